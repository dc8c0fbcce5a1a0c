package chargebacks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"github.com/ridgeline-games/commerce/internal/alerting"
	"github.com/ridgeline-games/commerce/internal/metrics"
	"github.com/ridgeline-games/commerce/internal/receipts"
	"github.com/ridgeline-games/commerce/internal/traces"
)

// voidedLookback is how far back each poll pass asks Google for voided
// purchases. Passes overlap; the log's dedup absorbs the repeats.
const voidedLookback = 24 * time.Hour

// voidedPageSize is the maximum page size the voided purchases API allows.
const voidedPageSize = 1000

// VoidedPurchase is one entry from Google's voided purchases feed.
type VoidedPurchase struct {
	OrderID          string
	VoidedTimeMillis int64
	Reason           int64
	Source           int64
}

// VoidedFeed lists purchases voided since startTime (epoch millis).
type VoidedFeed interface {
	List(ctx context.Context, startTime int64) ([]VoidedPurchase, error)
}

// PlayFeed reads the voided purchases feed through the Android Publisher API.
type PlayFeed struct {
	svc *androidpublisher.Service
	pkg string
}

// NewPlayFeed builds a feed authenticated with the given service account
// key file. Extra client options are appended, which lets tests point the
// feed at a local endpoint.
func NewPlayFeed(ctx context.Context, keyFile, packageName string, opts ...option.ClientOption) (*PlayFeed, error) {
	data, err := os.ReadFile(keyFile) // #nosec G304 -- path comes from deployment config
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}
	jwtCfg, err := google.JWTConfigFromJSON(data, androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}

	clientOpts := append([]option.ClientOption{option.WithTokenSource(jwtCfg.TokenSource(ctx))}, opts...)
	svc, err := androidpublisher.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("build androidpublisher client: %w", err)
	}
	return &PlayFeed{svc: svc, pkg: packageName}, nil
}

// NewPlayFeedFromService wraps an existing androidpublisher client.
func NewPlayFeedFromService(svc *androidpublisher.Service, packageName string) *PlayFeed {
	return &PlayFeed{svc: svc, pkg: packageName}
}

// List pages through every voided purchase since startTime.
func (f *PlayFeed) List(ctx context.Context, startTime int64) ([]VoidedPurchase, error) {
	var result []VoidedPurchase
	pageToken := ""

	for {
		call := f.svc.Purchases.Voidedpurchases.List(f.pkg).
			Context(ctx).
			StartTime(startTime).
			MaxResults(voidedPageSize).
			Type(0) // one-time products
		if pageToken != "" {
			call = call.Token(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("voidedpurchases.list: %w", err)
		}

		for _, vp := range resp.VoidedPurchases {
			result = append(result, VoidedPurchase{
				OrderID:          vp.OrderId,
				VoidedTimeMillis: vp.VoidedTimeMillis,
				Reason:           vp.VoidedReason,
				Source:           vp.VoidedSource,
			})
		}

		if resp.TokenPagination == nil || resp.TokenPagination.NextPageToken == "" {
			return result, nil
		}
		pageToken = resp.TokenPagination.NextPageToken
	}
}

var _ VoidedFeed = (*PlayFeed)(nil)

// Poller periodically drains the voided purchases feed into the pipeline.
type Poller struct {
	feed     VoidedFeed
	pipeline *Pipeline
	alerts   alerting.Alerter
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewPoller creates a voided purchases poller.
func NewPoller(feed VoidedFeed, pipeline *Pipeline, alerts alerting.Alerter, interval time.Duration, logger *slog.Logger) *Poller {
	if alerts == nil {
		alerts = alerting.Nop{}
	}
	return &Poller{
		feed:     feed,
		pipeline: pipeline,
		alerts:   alerts,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Running reports whether the poll loop is actively running.
func (p *Poller) Running() bool {
	return p.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeRun(ctx)
		}
	}
}

// Stop signals the poller to stop.
func (p *Poller) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Poller) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in voided purchases poller", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	if err := p.RunPass(ctx); err != nil {
		p.logger.Warn("voided purchases pass failed", "error", err)
		metrics.VoidedPollPassesTotal.WithLabelValues("error").Inc()
		p.alerts.Raise(ctx, alerting.Alert{
			Title:         "voided purchases poll failing",
			Message:       err.Error(),
			CountRequired: 10,
			Timeframe:     5 * time.Minute,
		})
		return
	}
	metrics.VoidedPollPassesTotal.WithLabelValues("ok").Inc()
}

// RunPass fetches the last day of voided purchases and feeds unseen orders
// into the pipeline.
func (p *Poller) RunPass(ctx context.Context) error {
	ctx, span := traces.StartSpan(ctx, "chargebacks.PollVoided")
	defer span.End()

	startTime := p.now().Add(-voidedLookback).UnixMilli()

	voided, err := p.feed.List(ctx, startTime)
	if err != nil {
		return err
	}
	if len(voided) == 0 {
		return nil
	}

	orderIDs := make([]string, len(voided))
	byOrder := make(map[string]VoidedPurchase, len(voided))
	for i, vp := range voided {
		orderIDs[i] = vp.OrderID
		byOrder[vp.OrderID] = vp
	}

	fresh, err := p.pipeline.FilterNew(ctx, orderIDs)
	if err != nil {
		return fmt.Errorf("filter voided orders: %w", err)
	}
	if len(fresh) == 0 {
		return nil
	}
	p.logger.Info("processing voided purchases", "total", len(voided), "new", len(fresh))

	for _, orderID := range fresh {
		vp := byOrder[orderID]
		err := p.pipeline.Process(ctx, Chargeback{
			Store:           receipts.StoreGoogle,
			OrderID:         vp.OrderID,
			VoidedTimestamp: vp.VoidedTimeMillis,
			Reason:          VoidedReason(vp.Reason),
			Source:          VoidedSource(vp.Source),
		})
		if err != nil {
			// Keep going; the next pass retries this order.
			p.logger.Error("voided purchase processing failed", "orderId", vp.OrderID, "error", err)
		}
	}
	return nil
}
