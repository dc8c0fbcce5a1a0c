package chargebacks

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

const testBundleID = "com.ridgeline.skyforge"

func newWebhookRouter(t *testing.T) (*gin.Engine, *fakeBanner, *fakeNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pipeline, banner, notifier := newTestPipeline(t)
	handler := NewWebhookHandler(pipeline, testBundleID)

	r := gin.New()
	group := r.Group("/commerce")
	handler.RegisterRoutes(group)
	return r, banner, notifier
}

func refundNotification(t *testing.T, notificationType, bundleID, transactionID string) string {
	return notificationFromTxn(t, notificationType, TransactionInfo{
		TransactionID:    transactionID,
		BundleID:         bundleID,
		ProductID:        "gold_500",
		RevocationDate:   1700000000000,
		RevocationReason: 0,
	})
}

func notificationFromTxn(t *testing.T, notificationType string, info TransactionInfo) string {
	t.Helper()

	txn, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal transaction info: %v", err)
	}
	signedTxn := "e30." + base64.RawURLEncoding.EncodeToString(txn) + ".sig"

	outer := fmt.Sprintf(`{"notificationType":%q,"notificationUUID":"uuid-1","data":{"bundleId":%q,"signedTransactionInfo":%q}}`,
		notificationType, info.BundleID, signedTxn)
	signedOuter := "e30." + base64.RawURLEncoding.EncodeToString([]byte(outer)) + ".sig"

	return fmt.Sprintf(`{"signedPayload":%q}`, signedOuter)
}

func postNotification(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/commerce/chargeback/apple", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_RefundBansAccount(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	w := postNotification(r, refundNotification(t, "REFUND", testBundleID, testAppleTxn))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 1 {
		t.Fatalf("expected 1 ban, got %d", banner.count())
	}
	if banner.bans[0] != testAccount+"/"+BanReasonApple {
		t.Errorf("unexpected ban: %q", banner.bans[0])
	}
}

func TestWebhook_RefundResolvesByOriginalTransaction(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	// The refund carries its own transaction id; the receipt was recorded
	// under the original one.
	body := notificationFromTxn(t, "REFUND", TransactionInfo{
		TransactionID:         "2000000999999999",
		OriginalTransactionID: testAppleTxn,
		BundleID:              testBundleID,
		RevocationDate:        1700000000000,
	})

	w := postNotification(r, body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 1 {
		t.Fatalf("expected 1 ban, got %d", banner.count())
	}
	if banner.bans[0] != testAccount+"/"+BanReasonApple {
		t.Errorf("unexpected ban: %q", banner.bans[0])
	}
}

func TestWebhook_NonRefundIsAcknowledged(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	w := postNotification(r, refundNotification(t, "DID_RENEW", testBundleID, testAppleTxn))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 0 {
		t.Errorf("expected no bans for DID_RENEW, got %d", banner.count())
	}
}

func TestWebhook_ForeignBundleIsDropped(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	w := postNotification(r, refundNotification(t, "REFUND", "com.someoneelse.game", testAppleTxn))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 0 {
		t.Errorf("expected no bans for foreign bundle, got %d", banner.count())
	}
}

func TestWebhook_GarbagePayloadIsAcknowledged(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	w := postNotification(r, `{"signedPayload":"not.a.jws.at.all"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 0 {
		t.Errorf("expected no bans, got %d", banner.count())
	}
}

func TestWebhook_MissingPayloadIsRejected(t *testing.T) {
	r, _, _ := newWebhookRouter(t)

	w := postNotification(r, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhook_UnknownTransactionIsAcknowledged(t *testing.T) {
	r, banner, _ := newWebhookRouter(t)

	w := postNotification(r, refundNotification(t, "REFUND", testBundleID, "1999999999999999"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if banner.count() != 0 {
		t.Errorf("expected no bans for unknown transaction, got %d", banner.count())
	}
}
