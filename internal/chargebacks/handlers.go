package chargebacks

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ridgeline-games/commerce/internal/validation"
)

// Handler provides operator endpoints over the chargeback log.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new chargeback admin handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/chargebacks", h.ListChargebacks)
	r.GET("/accounts/:account/chargebacks", h.ListByAccount)
	r.POST("/chargebacks/unban", h.Unban)
}

// ListChargebacks handles GET /commerce/admin/chargebacks
func (h *Handler) ListChargebacks(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	logs, err := h.pipeline.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chargebacks": logs,
		"count":       len(logs),
	})
}

// ListByAccount handles GET /commerce/admin/accounts/:account/chargebacks
//
// Lifted entries are included unless ?includeUnbanned=false is passed.
func (h *Handler) ListByAccount(c *gin.Context) {
	account := c.Param("account")

	logs, err := h.pipeline.ListByAccount(c.Request.Context(), account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if c.Query("includeUnbanned") == "false" {
		active := logs[:0]
		for _, entry := range logs {
			if !entry.Unbanned {
				active = append(active, entry)
			}
		}
		logs = active
	}

	c.JSON(http.StatusOK, gin.H{
		"chargebacks": logs,
		"count":       len(logs),
	})
}

// Unban handles POST /commerce/admin/chargebacks/unban
//
// Flags every log entry for the account as unbanned, which frees the
// affected orders for a later re-chargeback and records that the ban was
// lifted. Re-enabling the account itself happens in the player service.
func (h *Handler) Unban(c *gin.Context) {
	var req struct {
		AccountID string `json:"accountId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is required",
		})
		return
	}
	if !validation.IsValidAccountID(req.AccountID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId is not a valid account id",
		})
		return
	}

	updated, err := h.pipeline.Unban(c.Request.Context(), req.AccountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": req.AccountID,
		"unbanned":  updated,
	})
}

func parseLimit(raw string) int {
	limit := 50
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}
