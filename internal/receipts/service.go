package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ridgeline-games/commerce/internal/alerting"
	"github.com/ridgeline-games/commerce/internal/logging"
	"github.com/ridgeline-games/commerce/internal/metrics"
	"github.com/ridgeline-games/commerce/internal/traces"
)

// ErrMalformedReceipt marks client input that cannot be parsed. Handlers
// map it to a 400 rather than a verification verdict.
var ErrMalformedReceipt = errors.New("receipts: malformed receipt payload")

// GoogleGateway checks a Play purchase signature.
type GoogleGateway interface {
	Verify(ctx context.Context, receiptJSON, signature string) (*StoreAnswer, error)
}

// AppleGateway verifies an App Store receipt and matches a transaction in it.
type AppleGateway interface {
	Verify(ctx context.Context, receiptData, transactionID string) (*StoreAnswer, error)
}

// Service implements receipt verification business logic.
type Service struct {
	store      Store
	forced     ForcedStore
	google     GoogleGateway
	apple      AppleGateway
	alerts     alerting.Alerter
	deployment string
}

// NewService creates a new receipt verification service. Gateways may be nil
// when a deployment serves a single store; requests for the missing store
// fail with ErrMalformedReceipt.
func NewService(store Store, forced ForcedStore, google GoogleGateway, apple AppleGateway, alerts alerting.Alerter, deployment string) *Service {
	if alerts == nil {
		alerts = alerting.Nop{}
	}
	return &Service{
		store:      store,
		forced:     forced,
		google:     google,
		apple:      apple,
		alerts:     alerts,
		deployment: deployment,
	}
}

// playPurchase is the JSON document Google Play signs.
type playPurchase struct {
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseTime  int64  `json:"purchaseTime"`
	PurchaseState int    `json:"purchaseState"`
	PurchaseToken string `json:"purchaseToken"`
	Quantity      int    `json:"quantity"`
	Acknowledged  bool   `json:"acknowledged"`
}

// VerifyGoogle verifies a Play purchase and classifies the outcome.
func (s *Service) VerifyGoogle(ctx context.Context, req GoogleVerifyRequest) (*VerificationResult, error) {
	ctx, span := traces.StartSpan(ctx, "receipts.VerifyGoogle", traces.Store(StoreGoogle), traces.AccountID(req.AccountID))
	defer span.End()

	var purchase playPurchase
	if err := json.Unmarshal([]byte(req.Receipt), &purchase); err != nil || purchase.OrderID == "" {
		return nil, ErrMalformedReceipt
	}

	key := Key(s.deployment, StoreGoogle, purchase.OrderID)
	receipt := &Receipt{
		OrderID:       key,
		AccountID:     req.AccountID,
		Store:         StoreGoogle,
		PackageName:   purchase.PackageName,
		ProductID:     purchase.ProductID,
		PurchaseTime:  purchase.PurchaseTime,
		PurchaseState: purchase.PurchaseState,
		PurchaseToken: purchase.PurchaseToken,
		Quantity:      max(purchase.Quantity, 1),
		Acknowledged:  purchase.Acknowledged,
	}

	answer, err := s.storeAnswer(ctx, key, receipt, func(ctx context.Context) (*StoreAnswer, error) {
		if s.google == nil {
			return nil, ErrMalformedReceipt
		}
		return s.google.Verify(ctx, req.Receipt, req.Signature)
	})
	if err != nil {
		return nil, err
	}

	return s.classify(ctx, StoreGoogle, req.AccountID, key, receipt, answer)
}

// VerifyApple verifies an App Store receipt and classifies the outcome.
func (s *Service) VerifyApple(ctx context.Context, req AppleVerifyRequest) (*VerificationResult, error) {
	ctx, span := traces.StartSpan(ctx, "receipts.VerifyApple", traces.Store(StoreApple), traces.AccountID(req.AccountID))
	defer span.End()

	key := Key(s.deployment, StoreApple, req.TransactionID)
	receipt := &Receipt{
		OrderID:   key,
		AccountID: req.AccountID,
		Store:     StoreApple,
	}

	answer, err := s.storeAnswer(ctx, key, receipt, func(ctx context.Context) (*StoreAnswer, error) {
		if s.apple == nil {
			return nil, ErrMalformedReceipt
		}
		return s.apple.Verify(ctx, req.ReceiptData, req.TransactionID)
	})
	if err != nil {
		return nil, err
	}

	return s.classify(ctx, StoreApple, req.AccountID, key, receipt, answer)
}

// storeAnswer consults the forced validation list before touching the store.
// A forced order is treated as valid without any upstream call.
func (s *Service) storeAnswer(ctx context.Context, key string, local *Receipt, call func(context.Context) (*StoreAnswer, error)) (*StoreAnswer, error) {
	if s.forced != nil {
		forced, err := s.forced.IsForced(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check forced validation: %w", err)
		}
		if forced {
			logging.L(ctx).Info("forced validation, skipping store check", "orderId", key)
			return &StoreAnswer{Valid: true, Forced: true, Receipt: local}, nil
		}
	}

	start := time.Now()
	answer, err := call(ctx)
	if err != nil {
		return nil, err
	}
	metrics.StoreCallDuration.WithLabelValues(local.Store).Observe(time.Since(start).Seconds())
	return answer, nil
}

// classify turns a store answer into a verdict, recording first redemptions
// and counting repeats.
func (s *Service) classify(ctx context.Context, store, accountID, key string, local *Receipt, answer *StoreAnswer) (*VerificationResult, error) {
	log := logging.L(ctx)

	if answer.Outage {
		s.alerts.Raise(ctx, alerting.Alert{
			Title:         store + " store outage",
			Message:       answer.OutageDetail,
			CountRequired: 10,
			Timeframe:     5 * time.Minute,
		})
		metrics.StoreOutagesTotal.WithLabelValues(store).Inc()
		return s.finish(store, &VerificationResult{Verdict: VerdictStoreOutage, ReceiptKey: key}), nil
	}

	if !answer.Valid {
		if answer.SandboxReceiptInProd {
			log.Warn("sandbox receipt submitted to production", "orderId", key, "accountId", accountID)
		}
		if answer.TransactionMismatch {
			log.Warn("receipt does not contain claimed transaction", "orderId", key, "accountId", accountID)
			metrics.FraudSignalsTotal.WithLabelValues(store).Inc()
			s.alerts.Raise(ctx, alerting.Alert{
				Title:   "receipt transaction mismatch",
				Message: fmt.Sprintf("receipt from %s does not contain transaction %s", accountID, key),
				Data: map[string]any{
					"orderId":   key,
					"accountId": accountID,
				},
			})
		}
		return s.finish(store, &VerificationResult{Verdict: VerdictInvalid, ReceiptKey: key}), nil
	}

	receipt := answer.Receipt
	if receipt == nil {
		receipt = local
	}
	receipt.OrderID = key
	receipt.AccountID = accountID

	owner, count, found, err := s.store.LookupAndCount(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup receipt: %w", err)
	}
	if found {
		receipt.ValidationCount = count
		return s.finish(store, s.duplicate(ctx, store, accountID, owner, key, receipt, answer.Forced)), nil
	}

	receipt.ValidationCount = 1
	receipt.CreatedAt = time.Now()
	if err := s.store.Create(ctx, receipt); err != nil {
		if errors.Is(err, ErrReceiptExists) {
			// Lost the race to a concurrent request for the same order.
			owner, oerr := s.store.AccountForOrder(ctx, key)
			if oerr != nil {
				return nil, fmt.Errorf("resolve racing receipt: %w", oerr)
			}
			return s.finish(store, s.duplicate(ctx, store, accountID, owner, key, receipt, answer.Forced)), nil
		}
		return nil, fmt.Errorf("create receipt: %w", err)
	}

	log.Info("receipt recorded", "orderId", key, "accountId", accountID, "productId", receipt.ProductID)
	return s.finish(store, &VerificationResult{Verdict: VerdictNew, Receipt: receipt, ReceiptKey: key}), nil
}

func (s *Service) duplicate(ctx context.Context, store, accountID, owner, key string, receipt *Receipt, forced bool) *VerificationResult {
	// Forced orders are replayed by ops and QA from whatever account is
	// handy; those replays are not fraud.
	if owner == accountID || forced {
		return &VerificationResult{Verdict: VerdictDuplicateSameAccount, Receipt: receipt, ReceiptKey: key}
	}

	metrics.FraudSignalsTotal.WithLabelValues(store).Inc()
	s.alerts.Raise(ctx, alerting.Alert{
		Title:   "receipt replayed across accounts",
		Message: fmt.Sprintf("order %s owned by %s re-submitted by %s", key, owner, accountID),
		Data: map[string]any{
			"orderId":   key,
			"owner":     owner,
			"accountId": accountID,
			"store":     store,
		},
	})
	logging.L(ctx).Warn("receipt replayed across accounts", "orderId", key, "owner", owner, "accountId", accountID)
	return &VerificationResult{Verdict: VerdictDuplicateDifferentAccount, Receipt: receipt, ReceiptKey: key}
}

func (s *Service) finish(store string, res *VerificationResult) *VerificationResult {
	metrics.VerificationsTotal.WithLabelValues(store, res.Verdict.String()).Inc()
	return res
}

// Force registers an operator override for an order.
func (s *Service) Force(ctx context.Context, store, orderID, accountID, note string) (*ForcedValidation, error) {
	f := &ForcedValidation{
		OrderID:   Key(s.deployment, store, orderID),
		AccountID: accountID,
		Note:      note,
		CreatedAt: time.Now(),
	}
	if err := s.forced.Force(ctx, f); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("forced validation registered", "orderId", f.OrderID)
	return f, nil
}

// ListForced returns all operator overrides.
func (s *Service) ListForced(ctx context.Context) ([]*ForcedValidation, error) {
	return s.forced.List(ctx)
}

// Get returns a recorded receipt by its storage key.
func (s *Service) Get(ctx context.Context, key string) (*Receipt, error) {
	return s.store.Get(ctx, key)
}

// ListByAccount returns an account's receipts, most recent purchase first.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// List returns recently recorded receipts.
func (s *Service) List(ctx context.Context, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// AccountForOrder resolves the account that redeemed an order, keyed the
// same way verification keys it. Used by chargeback processing.
func (s *Service) AccountForOrder(ctx context.Context, store, orderID string) (string, error) {
	return s.store.AccountForOrder(ctx, Key(s.deployment, store, orderID))
}
