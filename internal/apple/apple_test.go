package apple

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const testTx = "1000000123456789"

func appleResponse(status int, bundleID string, txIDs ...string) map[string]any {
	var inApp []map[string]any
	for _, tx := range txIDs {
		inApp = append(inApp, map[string]any{
			"quantity":                "1",
			"product_id":              "gold_500",
			"transaction_id":          tx,
			"original_transaction_id": tx,
			"purchase_date_ms":        "1756400000000",
		})
	}
	return map[string]any{
		"status":      status,
		"environment": "Production",
		"receipt": map[string]any{
			"bundle_id": bundleID,
			"in_app":    inApp,
		},
	}
}

func serveJSON(t *testing.T, calls *int64, payload map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad verify request: %v", err)
		}
		if _, ok := req["receipt-data"]; !ok {
			t.Error("verify request missing receipt-data")
		}
		_ = json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerify_ValidReceipt(t *testing.T) {
	prod := serveJSON(t, nil, appleResponse(0, "com.ridgeline.game", testTx))

	g := NewGateway(Config{
		VerifyURL:        prod.URL,
		SandboxVerifyURL: prod.URL,
		SharedSecret:     "secret",
		Production:       true,
	})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !answer.Valid {
		t.Fatalf("answer = %+v, want valid", answer)
	}
	if answer.Receipt.ProductID != "gold_500" {
		t.Errorf("productId = %q", answer.Receipt.ProductID)
	}
	if answer.Receipt.PurchaseTime != 1756400000000 {
		t.Errorf("purchaseTime = %d", answer.Receipt.PurchaseTime)
	}
}

func TestVerify_TransactionNotInReceipt(t *testing.T) {
	prod := serveJSON(t, nil, appleResponse(0, "com.ridgeline.game", "some-other-tx"))

	g := NewGateway(Config{VerifyURL: prod.URL, SandboxVerifyURL: prod.URL})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if answer.Valid {
		t.Fatal("receipt without claimed transaction accepted")
	}
	if !answer.TransactionMismatch {
		t.Error("expected TransactionMismatch")
	}
}

func TestVerify_SandboxFallbackOutsideProduction(t *testing.T) {
	var sandboxCalls int64
	prod := serveJSON(t, nil, appleResponse(21007, "", testTx))
	sandbox := serveJSON(t, &sandboxCalls, appleResponse(0, "com.ridgeline.game", testTx))

	g := NewGateway(Config{
		VerifyURL:        prod.URL,
		SandboxVerifyURL: sandbox.URL,
		Production:       false,
	})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !answer.Valid {
		t.Fatalf("answer = %+v, want valid via sandbox", answer)
	}
	if atomic.LoadInt64(&sandboxCalls) == 0 {
		t.Error("sandbox endpoint was never consulted")
	}
}

func TestVerify_SandboxReceiptInProduction(t *testing.T) {
	var sandboxCalls int64
	prod := serveJSON(t, nil, appleResponse(21007, "", testTx))
	sandbox := serveJSON(t, &sandboxCalls, appleResponse(0, "com.ridgeline.game", testTx))

	g := NewGateway(Config{
		VerifyURL:        prod.URL,
		SandboxVerifyURL: sandbox.URL,
		Production:       true,
	})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if answer.Valid || !answer.SandboxReceiptInProd {
		t.Fatalf("answer = %+v, want SandboxReceiptInProd", answer)
	}
	if atomic.LoadInt64(&sandboxCalls) != 0 {
		t.Error("production deployment must not consult the sandbox")
	}
}

func TestVerify_NonZeroStatusIsOutage(t *testing.T) {
	prod := serveJSON(t, nil, appleResponse(21005, "", testTx))

	g := NewGateway(Config{VerifyURL: prod.URL, SandboxVerifyURL: prod.URL})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !answer.Outage {
		t.Fatalf("answer = %+v, want outage", answer)
	}
}

func TestVerify_UnreachableEndpointIsOutage(t *testing.T) {
	g := NewGateway(Config{
		VerifyURL:        "http://127.0.0.1:1",
		SandboxVerifyURL: "http://127.0.0.1:1",
	})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !answer.Outage {
		t.Fatalf("answer = %+v, want outage", answer)
	}
}

func TestVerify_ForeignBundleRejected(t *testing.T) {
	prod := serveJSON(t, nil, appleResponse(0, "com.elsewhere.app", testTx))

	g := NewGateway(Config{
		VerifyURL:        prod.URL,
		SandboxVerifyURL: prod.URL,
		BundleID:         "com.ridgeline.game",
	})

	answer, err := g.Verify(context.Background(), "cmVjZWlwdA==", testTx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if answer.Valid || answer.Outage {
		t.Fatalf("answer = %+v, want plain invalid", answer)
	}
}
