package chargebacks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ridgeline-games/commerce/internal/alerting"
	"github.com/ridgeline-games/commerce/internal/logging"
	"github.com/ridgeline-games/commerce/internal/receipts"
)

// notificationRefund is the only App Store notification type that produces
// a chargeback. Other types are acknowledged and dropped.
const notificationRefund = "REFUND"

// WebhookHandler receives App Store server notifications (v2).
type WebhookHandler struct {
	pipeline *Pipeline
	bundleID string
	alerts   alerting.Alerter
}

// NewWebhookHandler creates a handler for Apple's notification webhook.
// When bundleID is set, notifications for other bundles are dropped.
func NewWebhookHandler(pipeline *Pipeline, bundleID string) *WebhookHandler {
	return &WebhookHandler{pipeline: pipeline, bundleID: bundleID, alerts: pipeline.alerts}
}

// RegisterRoutes sets up the Apple notification route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chargeback/apple", h.HandleAppleNotification)
}

// HandleAppleNotification handles POST /commerce/chargeback/apple.
//
// Apple retries delivery on any non-2xx response, so every outcome other
// than a missing payload returns 200. Undecodable or unexpected
// notifications are logged, alerted past a threshold, and acknowledged.
func (h *WebhookHandler) HandleAppleNotification(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.L(ctx)

	var body struct {
		SignedPayload string `json:"signedPayload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signedPayload is required",
		})
		return
	}

	var payload NotificationPayload
	if err := DecodeJWSPayload(body.SignedPayload, &payload); err != nil {
		log.Warn("undecodable apple notification", "error", err)
		h.alerts.Raise(ctx, alerting.Alert{
			Title:         "undecodable apple notifications",
			Message:       err.Error(),
			CountRequired: 5,
			Timeframe:     10 * time.Minute,
		})
		c.Status(http.StatusOK)
		return
	}

	if payload.NotificationType != notificationRefund {
		log.Info("ignoring apple notification",
			"type", payload.NotificationType,
			"subtype", payload.Subtype,
			"uuid", payload.NotificationUUID)
		if payload.Data.SignedRenewalInfo != "" {
			h.alerts.Raise(ctx, alerting.Alert{
				Title:         "subscription notifications arriving",
				Message:       "renewal-info payloads are not handled, type " + payload.NotificationType,
				CountRequired: 5,
				Timeframe:     time.Hour,
			})
		}
		c.Status(http.StatusOK)
		return
	}

	var txn TransactionInfo
	if err := DecodeJWSPayload(payload.Data.SignedTransactionInfo, &txn); err != nil {
		log.Warn("undecodable apple transaction info",
			"uuid", payload.NotificationUUID, "error", err)
		h.alerts.Raise(ctx, alerting.Alert{
			Title:         "undecodable apple notifications",
			Message:       err.Error(),
			CountRequired: 5,
			Timeframe:     10 * time.Minute,
		})
		c.Status(http.StatusOK)
		return
	}

	if h.bundleID != "" && txn.BundleID != h.bundleID {
		log.Warn("apple notification for foreign bundle",
			"bundleId", txn.BundleID, "transactionId", txn.TransactionID)
		c.Status(http.StatusOK)
		return
	}

	// Verification records the original transaction id; a refund's own
	// transaction id can differ and would miss the receipt.
	orderID := txn.OriginalTransactionID
	if orderID == "" {
		orderID = txn.TransactionID
	}

	err := h.pipeline.Process(ctx, Chargeback{
		Store:           receipts.StoreApple,
		OrderID:         orderID,
		VoidedTimestamp: txn.RevocationDate,
		Reason:          AppleRevocationReason(txn.RevocationReason),
		Source:          "apple",
	})
	if err != nil {
		// Acknowledge anyway; retried deliveries would hit the same error.
		log.Error("apple refund processing failed",
			"transactionId", orderID, "error", err)
	}

	c.Status(http.StatusOK)
}
