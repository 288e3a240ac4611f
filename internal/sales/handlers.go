package sales

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/estatepay/internal/logging"
	"github.com/mbd888/estatepay/internal/pagination"
	"github.com/mbd888/estatepay/internal/validation"
)

// Handler provides HTTP endpoints for unit sales.
type Handler struct {
	service       *Service
	orchestrator  *Orchestrator
	reconciler    *Reconciler
	callbackToken string
}

// NewHandler creates a new sales handler.
func NewHandler(service *Service, orchestrator *Orchestrator, reconciler *Reconciler) *Handler {
	return &Handler{
		service:      service,
		orchestrator: orchestrator,
		reconciler:   reconciler,
	}
}

// WithCallbackToken requires the callback URL to end in token.
func (h *Handler) WithCallbackToken(token string) *Handler {
	h.callbackToken = token
	return h
}

// RegisterRoutes sets up buyer-facing sales routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/units", h.ListUnits)
	r.GET("/units/:id", h.GetUnit)
	r.POST("/units/:id/purchase", h.Purchase)
	r.GET("/invoices/:id", h.GetInvoice)
	r.POST("/invoices/:id/installments", h.PayInstallment)
	r.GET("/transactions/:correlationId", h.GetTransaction)
	r.GET("/transactions/:correlationId/status", h.GetTransactionStatus)
}

// RegisterCallbackRoutes sets up the gateway webhook.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/mpesa/callback", h.Callback)
	r.POST("/mpesa/callback/:token", h.Callback)
}

// RegisterAdminRoutes sets up staff-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/units", h.CreateUnit)
	r.POST("/invoices/:id/manual-payments", h.RecordManualPayment)
	r.GET("/reviews", h.ListReviews)
	r.POST("/reviews/:id/resolve", h.ResolveReview)
}

// writeError maps a sales error to its HTTP status.
func writeError(c *gin.Context, err error) {
	kind := KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case KindNotFound:
		status = http.StatusNotFound
	case KindConflict, KindStateConflict:
		status = http.StatusConflict
	case KindGateway:
		status = http.StatusBadGateway
	case KindValidation:
		status = http.StatusBadRequest
	}

	body := gin.H{"error": kind.String(), "message": err.Error()}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["message"] = verrs.Error()
		body["details"] = verrs
	}
	if kind == KindInternal {
		logging.L(c.Request.Context()).Error("sales request failed", "path", c.FullPath(), "error", err)
		body["message"] = "Internal error"
	}
	c.JSON(status, body)
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// CreateUnit handles POST /v1/units
func (h *Handler) CreateUnit(c *gin.Context) {
	var req CreateUnitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	unit, err := h.service.CreateUnit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"unit": unit})
}

// GetUnit handles GET /v1/units/:id
func (h *Handler) GetUnit(c *gin.Context) {
	unit, err := h.service.GetUnit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unit": unit})
}

// ListUnits handles GET /v1/units?projectId=&status=
func (h *Handler) ListUnits(c *gin.Context) {
	filter := UnitFilter{
		ProjectID: c.Query("projectId"),
		Status:    UnitStatus(c.Query("status")),
	}
	units, err := h.service.ListUnits(c.Request.Context(), filter, pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if units == nil {
		units = []*Unit{}
	}
	c.JSON(http.StatusOK, gin.H{
		"units": units,
		"count": len(units),
	})
}

// Purchase handles POST /v1/units/:id/purchase
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.UnitID = c.Param("id")

	result, err := h.orchestrator.Purchase(c.Request.Context(), req)
	if err != nil {
		if result != nil && KindOf(err) == KindGateway {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    KindGateway.String(),
				"message":  "Payment request could not be sent",
				"purchase": result,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// PayInstallment handles POST /v1/invoices/:id/installments
func (h *Handler) PayInstallment(c *gin.Context) {
	var req InstallmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.InvoiceID = c.Param("id")

	result, err := h.orchestrator.PayInstallment(c.Request.Context(), req)
	if err != nil {
		if result != nil && KindOf(err) == KindGateway {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":    KindGateway.String(),
				"message":  "Payment request could not be sent",
				"purchase": result,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetInvoice handles GET /v1/invoices/:id
func (h *Handler) GetInvoice(c *gin.Context) {
	detail, err := h.service.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// GetTransaction handles GET /v1/transactions/:correlationId
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.GetTransaction(c.Request.Context(), c.Param("correlationId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// GetTransactionStatus handles GET /v1/transactions/:correlationId/status
func (h *Handler) GetTransactionStatus(c *gin.Context) {
	id := c.Param("correlationId")
	status, err := h.service.TransactionStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"correlationId": id,
		"status":        status,
	})
}

// Callback handles POST /v1/mpesa/callback[/:token]. The gateway only
// needs to know whether the callback was recorded; reconciliation
// failures are retried from the inbox.
func (h *Handler) Callback(c *gin.Context) {
	if h.callbackToken != "" &&
		subtle.ConstantTimeCompare([]byte(c.Param("token")), []byte(h.callbackToken)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
		return
	}

	if _, err := h.reconciler.Ingest(c.Request.Context(), raw); err != nil {
		if KindOf(err) == KindValidation {
			logging.L(c.Request.Context()).Warn("rejected malformed callback", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Rejected"})
			return
		}
		logging.L(c.Request.Context()).Error("callback could not be recorded", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "Temporary failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// RecordManualPayment handles POST /v1/invoices/:id/manual-payments
func (h *Handler) RecordManualPayment(c *gin.Context) {
	var req ManualPayment
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.InvoiceID = c.Param("id")

	out, err := h.orchestrator.RecordManualPayment(c.Request.Context(), req)
	if err != nil {
		if out != nil && KindOf(err) == KindStateConflict {
			c.JSON(http.StatusConflict, gin.H{
				"error":   KindStateConflict.String(),
				"message": err.Error(),
				"outcome": out,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"outcome": out})
}

// ListReviews handles GET /v1/reviews?open=true
func (h *Handler) ListReviews(c *gin.Context) {
	onlyOpen := true
	if v := c.Query("open"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			onlyOpen = parsed
		}
	}
	reviews, err := h.service.ListReviews(c.Request.Context(), onlyOpen, pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	if reviews == nil {
		reviews = []*Review{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reviews": reviews,
		"count":   len(reviews),
	})
}

// ResolveReview handles POST /v1/reviews/:id/resolve
func (h *Handler) ResolveReview(c *gin.Context) {
	var req struct {
		ResolvedBy string `json:"resolvedBy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	review, err := h.service.ResolveReview(c.Request.Context(), c.Param("id"), req.ResolvedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"review": review})
}
