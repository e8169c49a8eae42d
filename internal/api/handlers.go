package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/services"
)

// Handlers contains the admin and storefront API handlers.
type Handlers struct {
	endpoints    *services.EndpointService
	transactions *services.TransactionService
	access       *services.AccessService
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(endpoints *services.EndpointService, transactions *services.TransactionService, access *services.AccessService, logger *zap.Logger) *Handlers {
	return &Handlers{
		endpoints:    endpoints,
		transactions: transactions,
		access:       access,
		logger:       logger,
	}
}

// respondError maps an error class to a status. Internal errors are not echoed.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// redact hides the signing secret; it is only returned on create and rotate.
func redact(ep models.WebhookEndpoint) models.WebhookEndpoint {
	ep.Secret = ""
	return ep
}

// ListEndpoints returns every registered webhook endpoint.
func (h *Handlers) ListEndpoints(c *gin.Context) {
	eps, err := h.endpoints.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	out := make([]models.WebhookEndpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, redact(ep))
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": out})
}

// CreateEndpoint registers an endpoint and returns its secret once.
func (h *Handlers) CreateEndpoint(c *gin.Context) {
	var in services.CreateEndpointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ep, err := h.endpoints.Create(c.Request.Context(), in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ep)
}

// GetEndpoint returns one endpoint.
func (h *Handlers) GetEndpoint(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ep, err := h.endpoints.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(*ep))
}

// UpdateEndpoint applies a partial update.
func (h *Handlers) UpdateEndpoint(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in services.UpdateEndpointInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ep, err := h.endpoints.Update(c.Request.Context(), id, in)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, redact(*ep))
}

// RotateEndpointSecret issues a new signing secret.
func (h *Handlers) RotateEndpointSecret(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ep, err := h.endpoints.RotateSecret(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ep)
}

// DeleteEndpoint removes an endpoint.
func (h *Handlers) DeleteEndpoint(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.endpoints.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListDeliveryLogs returns delivery attempts filtered by status, endpoint and event type.
func (h *Handlers) ListDeliveryLogs(c *gin.Context) {
	filter := services.LogFilter{
		Status:    c.Query("status"),
		EventType: c.Query("event_type"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}
	if raw := c.Query("endpoint_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint_id"})
			return
		}
		filter.EndpointID = &id
	}

	logs, err := h.endpoints.ListLogs(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// GetTransaction returns one payment transaction.
func (h *Handlers) GetTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tx, err := h.transactions.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

// RefundTransaction issues a merchant initiated refund.
func (h *Handlers) RefundTransaction(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	outcome, err := h.transactions.Refund(c.Request.Context(), id, req.Amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// The claim route is unauthenticated, so it only ever grants to a guest email.
type claimRequest struct {
	Email string `json:"email" binding:"required"`
}

// ClaimFreeProduct grants a free product to a guest and captures the lead.
func (h *Handlers) ClaimFreeProduct(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	res, err := h.access.ClaimFree(c.Request.Context(), c.Param("id"), req.Email, "")
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
