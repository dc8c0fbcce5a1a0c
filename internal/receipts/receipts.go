// Package receipts verifies in-app purchase receipts and tracks which
// account first redeemed each order.
//
// A receipt is only granted once. Every verification atomically bumps the
// order's validation count, so replaying the same receipt (from the same
// account or a different one) is detected even under concurrent requests.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrReceiptNotFound = errors.New("receipts: not found")
	ErrReceiptExists   = errors.New("receipts: order already recorded")
)

// Store names for the two supported platforms.
const (
	StoreGoogle = "google"
	StoreApple  = "apple"
)

// Receipt is a store purchase recorded against the account that redeemed it.
type Receipt struct {
	OrderID         string    `json:"orderId"`
	AccountID       string    `json:"accountId"`
	Store           string    `json:"store"` // "google" or "apple"
	PackageName     string    `json:"packageName,omitempty"`
	ProductID       string    `json:"productId"`
	PurchaseTime    int64     `json:"purchaseTime"` // epoch millis
	PurchaseState   int       `json:"purchaseState"`
	PurchaseToken   string    `json:"purchaseToken,omitempty"`
	Quantity        int       `json:"quantity"`
	Acknowledged    bool      `json:"acknowledged"`
	ValidationCount int64     `json:"validationCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Verdict classifies the outcome of a verification attempt.
type Verdict int

const (
	VerdictInvalid Verdict = iota
	VerdictNew
	VerdictDuplicateSameAccount
	VerdictDuplicateDifferentAccount
	VerdictStoreOutage
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictDuplicateSameAccount:
		return "duplicate_same_account"
	case VerdictDuplicateDifferentAccount:
		return "duplicate_different_account"
	case VerdictStoreOutage:
		return "store_outage"
	default:
		return "invalid"
	}
}

// Granting reports whether the client should deliver the purchased goods.
// Only a first redemption, or a repeat by the same account, grants.
func (v Verdict) Granting() bool {
	return v == VerdictNew || v == VerdictDuplicateSameAccount
}

// VerificationResult is the outcome returned to the game client.
type VerificationResult struct {
	Verdict    Verdict
	Receipt    *Receipt
	ReceiptKey string
}

// StoreAnswer is what a platform gateway reports about a submitted receipt.
type StoreAnswer struct {
	Valid bool

	// Forced means an operator override validated the order and no gateway
	// was consulted. Forced replays never count as cross-account fraud.
	Forced bool

	// Outage means the store could not give a definitive answer. The
	// client should retry later; the receipt is neither granted nor burned.
	Outage       bool
	OutageDetail string

	// SandboxReceiptInProd marks an Apple sandbox receipt submitted to a
	// production deployment. Treated as invalid, never retried in sandbox.
	SandboxReceiptInProd bool

	// TransactionMismatch means the receipt itself is genuine but does not
	// contain the transaction the client claims to have made.
	TransactionMismatch bool

	// Receipt holds the normalized purchase when Valid.
	Receipt *Receipt
}

// GoogleVerifyRequest is the client payload for a Play purchase.
type GoogleVerifyRequest struct {
	AccountID string `json:"account" binding:"required"`
	Receipt   string `json:"receipt" binding:"required"` // Play purchase JSON, as signed
	Signature string `json:"signature" binding:"required"`
}

// AppleVerifyRequest is the client payload for an App Store purchase.
type AppleVerifyRequest struct {
	AccountID     string `json:"account" binding:"required"`
	ReceiptData   string `json:"receipt" binding:"required"` // base64 App Store receipt
	TransactionID string `json:"transactionId" binding:"required"`
}

// ForcedValidation is an operator override that makes a specific order pass
// verification without consulting the store.
type ForcedValidation struct {
	OrderID   string    `json:"orderId"`
	AccountID string    `json:"accountId,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists receipts.
type Store interface {
	// LookupAndCount atomically increments the order's validation count and
	// returns the owning account with the updated count. found is false when
	// the order is unknown.
	LookupAndCount(ctx context.Context, orderID string) (accountID string, count int64, found bool, err error)

	// Create records a first redemption. Returns ErrReceiptExists if another
	// request recorded the order concurrently.
	Create(ctx context.Context, r *Receipt) error

	// AccountForOrder returns the owning account without counting a
	// validation attempt.
	AccountForOrder(ctx context.Context, orderID string) (string, error)

	Get(ctx context.Context, orderID string) (*Receipt, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Receipt, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
}

// ForcedStore persists forced validation overrides.
type ForcedStore interface {
	Force(ctx context.Context, f *ForcedValidation) error
	IsForced(ctx context.Context, orderID string) (bool, error)
	List(ctx context.Context) ([]*ForcedValidation, error)
}

// Key builds the deployment-scoped storage key for an order. Deployments
// sharing a database never see each other's receipts.
func Key(deployment, store, orderID string) string {
	platform := "aos"
	if store == StoreApple {
		platform = "ios"
	}
	return fmt.Sprintf("%s_s_%sReceipt_%s", deployment, platform, orderID)
}
