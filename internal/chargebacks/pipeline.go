package chargebacks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ridgeline-games/commerce/internal/alerting"
	"github.com/ridgeline-games/commerce/internal/logging"
	"github.com/ridgeline-games/commerce/internal/metrics"
	"github.com/ridgeline-games/commerce/internal/players"
	"github.com/ridgeline-games/commerce/internal/receipts"
	"github.com/ridgeline-games/commerce/internal/traces"
)

// AccountResolver maps a store order back to the account that redeemed it.
// Implemented by the receipts service.
type AccountResolver interface {
	AccountForOrder(ctx context.Context, store, orderID string) (string, error)
}

// Pipeline processes chargebacks from both stores: log once, ban, notify.
type Pipeline struct {
	logs     Store
	accounts AccountResolver
	banner   players.Banner
	notify   alerting.Notifier
	alerts   alerting.Alerter
}

// NewPipeline creates a chargeback pipeline. banner and notify may be nil;
// the corresponding step is skipped.
func NewPipeline(logs Store, accounts AccountResolver, banner players.Banner, notify alerting.Notifier, alerts alerting.Alerter) *Pipeline {
	if alerts == nil {
		alerts = alerting.Nop{}
	}
	return &Pipeline{
		logs:     logs,
		accounts: accounts,
		banner:   banner,
		notify:   notify,
		alerts:   alerts,
	}
}

// Process handles one chargeback. Reprocessing an order that already has an
// active log entry is a no-op, so feeds may overlap freely.
func (p *Pipeline) Process(ctx context.Context, cb Chargeback) error {
	ctx, span := traces.StartSpan(ctx, "chargebacks.Process", traces.Store(cb.Store), traces.OrderID(cb.OrderID))
	defer span.End()
	log := logging.L(ctx)

	accountID, err := p.resolveAccount(ctx, cb)
	if err != nil {
		return err
	}

	entry := &Log{
		AccountID:       accountID,
		OrderID:         cb.OrderID,
		Store:           cb.Store,
		VoidedTimestamp: cb.VoidedTimestamp,
		Reason:          cb.Reason,
		Source:          cb.Source,
		CreatedAt:       time.Now(),
	}
	if err := p.logs.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyLogged) {
			log.Debug("chargeback already processed", "orderId", cb.OrderID)
			return nil
		}
		return fmt.Errorf("log chargeback %s: %w", cb.OrderID, err)
	}

	metrics.ChargebacksProcessedTotal.WithLabelValues(cb.Source).Inc()
	log.Info("chargeback logged",
		"orderId", cb.OrderID, "accountId", accountID,
		"reason", cb.Reason, "source", cb.Source)

	if accountID == OtherEnvironmentAccount {
		return nil
	}

	if p.banner != nil {
		reason := BanReasonGoogle
		if cb.Store == receipts.StoreApple {
			reason = BanReasonApple
		}
		if err := p.banner.Ban(ctx, accountID, reason); err != nil {
			// The log entry stands; the ban is retried by ops, not here.
			log.Error("ban failed", "accountId", accountID, "error", err)
			p.alerts.Raise(ctx, alerting.Alert{
				Title:   "chargeback ban failed",
				Message: fmt.Sprintf("account %s, order %s: %v", accountID, cb.OrderID, err),
			})
			return nil
		}
		metrics.BansTotal.Inc()
	}

	if p.notify != nil {
		msg := fmt.Sprintf("Chargeback: account %s banned for order %s (%s, reason %s, source %s)",
			accountID, cb.OrderID, cb.Store, cb.Reason, cb.Source)
		if err := p.notify.Notify(ctx, msg); err != nil {
			log.Warn("chargeback notification failed", "error", err)
		}
	}

	return nil
}

// resolveAccount looks up the order's owner. Google orders unknown to this
// deployment belong to another environment sharing the Play package and are
// logged under a sentinel account. Unknown Apple orders are an error since
// each deployment has its own App Store app.
func (p *Pipeline) resolveAccount(ctx context.Context, cb Chargeback) (string, error) {
	accountID, err := p.accounts.AccountForOrder(ctx, cb.Store, cb.OrderID)
	if err == nil {
		return accountID, nil
	}
	if errors.Is(err, receipts.ErrReceiptNotFound) {
		if cb.Store == receipts.StoreGoogle {
			return OtherEnvironmentAccount, nil
		}
		return "", fmt.Errorf("no receipt for apple order %s", cb.OrderID)
	}
	return "", fmt.Errorf("resolve account for %s: %w", cb.OrderID, err)
}

// FilterNew exposes the store's bulk dedup for feed pollers.
func (p *Pipeline) FilterNew(ctx context.Context, orderIDs []string) ([]string, error) {
	return p.logs.FilterNew(ctx, orderIDs)
}

// Unban flags an account's chargeback entries as unbanned, freeing their
// orders for future entries. Returns the number of entries updated.
func (p *Pipeline) Unban(ctx context.Context, accountID string) (int64, error) {
	n, err := p.logs.UnbanByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	logging.L(ctx).Info("chargeback entries unbanned", "accountId", accountID, "count", n)
	return n, nil
}

// ListByAccount returns an account's chargeback history.
func (p *Pipeline) ListByAccount(ctx context.Context, accountID string) ([]*Log, error) {
	return p.logs.ListByAccount(ctx, accountID)
}

// List returns recent chargebacks.
func (p *Pipeline) List(ctx context.Context, limit int) ([]*Log, error) {
	if limit <= 0 {
		limit = 50
	}
	return p.logs.List(ctx, limit)
}
