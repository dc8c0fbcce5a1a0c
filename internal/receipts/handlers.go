package receipts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ridgeline-games/commerce/internal/validation"
)

// Handler provides HTTP endpoints for receipt verification.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the client-facing verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/google", h.VerifyGoogle)
	r.POST("/apple", h.VerifyApple)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/receipts", h.ListReceipts)
	r.GET("/accounts/:account/receipts", h.ListByAccount)
	r.POST("/forced", h.ForceValidation)
	r.GET("/forced", h.ListForced)
}

// VerifyGoogle handles POST /commerce/google
func (h *Handler) VerifyGoogle(c *gin.Context) {
	var req GoogleVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account, receipt and signature are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAccountID("account", req.AccountID),
		validation.MaxLength("receipt", req.Receipt, validation.MaxStringLength),
		validation.Base64Field("signature", req.Signature),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	result, err := h.service.VerifyGoogle(c.Request.Context(), req)
	h.respond(c, result, err)
}

// VerifyApple handles POST /commerce/apple
func (h *Handler) VerifyApple(c *gin.Context) {
	var req AppleVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account, receipt and transactionId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAccountID("account", req.AccountID),
		validation.ValidOrderID("transactionId", req.TransactionID),
		validation.Base64Field("receipt", req.ReceiptData),
		validation.MaxLength("receipt", req.ReceiptData, validation.MaxReceiptPayloadSize),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	result, err := h.service.VerifyApple(c.Request.Context(), req)
	h.respond(c, result, err)
}

// respond writes the uniform verification response. Every verdict is a 200;
// the client reads the verdict string to decide whether to grant.
func (h *Handler) respond(c *gin.Context, result *VerificationResult, err error) {
	if err != nil {
		if errors.Is(err, ErrMalformedReceipt) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_receipt",
				"message": "receipt payload could not be parsed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "verification failed",
		})
		return
	}

	resp := gin.H{"success": result.Verdict.String()}
	if result.Receipt != nil {
		resp["receipt"] = result.Receipt
	}
	c.JSON(http.StatusOK, resp)
}

// ListReceipts handles GET /commerce/admin/receipts
func (h *Handler) ListReceipts(c *gin.Context) {
	limit := parseLimit(c.Query("limit"))

	receipts, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// ListByAccount handles GET /commerce/admin/accounts/:account/receipts
func (h *Handler) ListByAccount(c *gin.Context) {
	account := c.Param("account")
	limit := parseLimit(c.Query("limit"))

	receipts, err := h.service.ListByAccount(c.Request.Context(), account, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// ForceValidation handles POST /commerce/admin/forced
func (h *Handler) ForceValidation(c *gin.Context) {
	var req struct {
		Store     string `json:"store" binding:"required"`
		OrderID   string `json:"orderId" binding:"required"`
		AccountID string `json:"accountId"`
		Note      string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "store and orderId are required",
		})
		return
	}
	if req.Store != StoreGoogle && req.Store != StoreApple {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "store must be google or apple",
		})
		return
	}

	forced, err := h.service.Force(c.Request.Context(), req.Store, req.OrderID, req.AccountID, req.Note)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"forced": forced})
}

// ListForced handles GET /commerce/admin/forced
func (h *Handler) ListForced(c *gin.Context) {
	forced, err := h.service.ListForced(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"forced": forced,
		"count":  len(forced),
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
