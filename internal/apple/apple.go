// Package apple verifies App Store receipts through Apple's verifyReceipt
// endpoint.
package apple

import (
	"context"
	"fmt"
	"strconv"

	"github.com/awa/go-iap/appstore"

	"github.com/ridgeline-games/commerce/internal/logging"
	"github.com/ridgeline-games/commerce/internal/receipts"
)

// Apple verifyReceipt status codes this gateway branches on. Everything
// else is treated as a store outage and surfaced as retriable.
const (
	statusOK             = 0
	statusSandboxReceipt = 21007
)

// Config holds the gateway settings.
type Config struct {
	VerifyURL        string // production verifyReceipt endpoint
	SandboxVerifyURL string
	SharedSecret     string
	BundleID         string // when set, receipts for other bundles are invalid
	Production       bool   // production deployments never fall back to sandbox
}

// Gateway talks to Apple's verifyReceipt endpoints.
type Gateway struct {
	prod    *appstore.Client
	sandbox *appstore.Client
	cfg     Config
}

// NewGateway creates an App Store receipt gateway.
func NewGateway(cfg Config) *Gateway {
	return &Gateway{
		prod:    newClient(cfg.VerifyURL),
		sandbox: newClient(cfg.SandboxVerifyURL),
		cfg:     cfg,
	}
}

// newClient pins both of the go-iap client's URLs to one endpoint so the
// sandbox fallback decision stays in this package.
func newClient(url string) *appstore.Client {
	c := appstore.New()
	c.ProductionURL = url
	c.SandboxURL = url
	return c
}

// verifyResponse is the subset of the verifyReceipt response this service
// reads, in the shape Apple documents.
type verifyResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		BundleID string       `json:"bundle_id"`
		InApp    []inAppEntry `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []inAppEntry `json:"latest_receipt_info"`
}

type inAppEntry struct {
	Quantity              string `json:"quantity"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
}

// Verify submits the receipt to Apple and checks that it contains the
// transaction the client claims to have made.
func (g *Gateway) Verify(ctx context.Context, receiptData, transactionID string) (*receipts.StoreAnswer, error) {
	resp, err := g.call(ctx, g.prod, receiptData)
	if err != nil {
		return outage(fmt.Sprintf("verifyReceipt unreachable: %v", err)), nil
	}

	if resp.Status == statusSandboxReceipt {
		if g.cfg.Production {
			logging.L(ctx).Warn("sandbox receipt sent to production deployment", "transactionId", transactionID)
			return &receipts.StoreAnswer{SandboxReceiptInProd: true}, nil
		}
		resp, err = g.call(ctx, g.sandbox, receiptData)
		if err != nil {
			return outage(fmt.Sprintf("sandbox verifyReceipt unreachable: %v", err)), nil
		}
	}

	if resp.Status != statusOK {
		return outage(fmt.Sprintf("verifyReceipt returned status %d", resp.Status)), nil
	}

	if g.cfg.BundleID != "" && resp.Receipt.BundleID != g.cfg.BundleID {
		logging.L(ctx).Warn("receipt for foreign bundle", "bundleId", resp.Receipt.BundleID)
		return &receipts.StoreAnswer{}, nil
	}

	entry := findTransaction(resp, transactionID)
	if entry == nil {
		return &receipts.StoreAnswer{TransactionMismatch: true}, nil
	}

	return &receipts.StoreAnswer{
		Valid: true,
		Receipt: &receipts.Receipt{
			Store:        receipts.StoreApple,
			PackageName:  resp.Receipt.BundleID,
			ProductID:    entry.ProductID,
			PurchaseTime: parseMillis(entry.PurchaseDateMS),
			Quantity:     parseQuantity(entry.Quantity),
		},
	}, nil
}

func (g *Gateway) call(ctx context.Context, client *appstore.Client, receiptData string) (*verifyResponse, error) {
	req := appstore.IAPRequest{
		ReceiptData:            receiptData,
		Password:               g.cfg.SharedSecret,
		ExcludeOldTransactions: false,
	}
	resp := &verifyResponse{}
	if err := client.Verify(ctx, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// findTransaction scans both the receipt's own entries and the latest
// receipt info for the claimed transaction.
func findTransaction(resp *verifyResponse, transactionID string) *inAppEntry {
	for _, list := range [][]inAppEntry{resp.Receipt.InApp, resp.LatestReceiptInfo} {
		for i := range list {
			if list[i].TransactionID == transactionID {
				return &list[i]
			}
		}
	}
	return nil
}

func outage(detail string) *receipts.StoreAnswer {
	return &receipts.StoreAnswer{Outage: true, OutageDetail: detail}
}

func parseMillis(s string) int64 {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return ms
}

func parseQuantity(s string) int {
	q, err := strconv.Atoi(s)
	if err != nil || q < 1 {
		return 1
	}
	return q
}

var _ receipts.AppleGateway = (*Gateway)(nil)
