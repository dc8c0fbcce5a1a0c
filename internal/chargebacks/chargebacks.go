// Package chargebacks turns store refund signals into bans.
//
// Two feeds produce chargebacks: a poller over Google Play's voided
// purchases API and Apple's App Store server notifications webhook. Both
// funnel into the same pipeline, which logs the chargeback once per order,
// bans the owning account, and posts a channel notice.
package chargebacks

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyLogged = errors.New("chargebacks: order already logged")
	ErrLogNotFound   = errors.New("chargebacks: log entry not found")
)

// OtherEnvironmentAccount marks chargebacks whose order was redeemed in a
// different deployment sharing the same store app. They are logged for
// audit but no ban is issued from this deployment.
const OtherEnvironmentAccount = "other-environment"

// Ban reasons recorded with the player service.
const (
	BanReasonGoogle = "GPG chargeback"
	BanReasonApple  = "iOS chargeback"
)

// Chargeback is a refund signal from either store.
type Chargeback struct {
	Store           string // receipts.StoreGoogle or receipts.StoreApple
	OrderID         string // raw store order / transaction id
	VoidedTimestamp int64  // epoch millis
	Reason          string
	Source          string
}

// Log is a processed chargeback, one active entry per order.
type Log struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"accountId"`
	OrderID         string    `json:"orderId"`
	Store           string    `json:"store"`
	VoidedTimestamp int64     `json:"voidedTimestamp"`
	Reason          string    `json:"reason"`
	Source          string    `json:"source"`
	Unbanned        bool      `json:"unbanned"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store persists chargeback logs.
type Store interface {
	// Append records a chargeback. Returns ErrAlreadyLogged when the order
	// already has an active (not unbanned) entry.
	Append(ctx context.Context, log *Log) error

	// FilterNew returns the subset of orderIDs with no active log entry.
	FilterNew(ctx context.Context, orderIDs []string) ([]string, error)

	ListByAccount(ctx context.Context, accountID string) ([]*Log, error)
	List(ctx context.Context, limit int) ([]*Log, error)

	// UnbanByAccount flags all of an account's entries as unbanned and
	// returns how many were updated.
	UnbanByAccount(ctx context.Context, accountID string) (int64, error)
}

// VoidedReason names Google's voidedReason enum.
func VoidedReason(r int64) string {
	switch r {
	case 0:
		return "other"
	case 1:
		return "remorse"
	case 2:
		return "not_received"
	case 3:
		return "defective"
	case 4:
		return "accidental_purchase"
	case 5:
		return "fraud"
	case 6:
		return "friendly_fraud"
	case 7:
		return "chargeback"
	default:
		return "unknown"
	}
}

// VoidedSource names Google's voidedSource enum.
func VoidedSource(s int64) string {
	switch s {
	case 0:
		return "user"
	case 1:
		return "developer"
	case 2:
		return "google"
	default:
		return "unknown"
	}
}

// AppleRevocationReason names Apple's revocationReason values.
func AppleRevocationReason(r int64) string {
	switch r {
	case 0:
		return "other"
	case 1:
		return "issue_in_app"
	default:
		return "unknown"
	}
}
