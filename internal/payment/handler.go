package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/auth"
	"github.com/jmerrifield20/freessl/internal/certs"
	"go.uber.org/zap"
)

// SignatureHeader carries the gateway's HMAC over the raw callback body.
const SignatureHeader = "X-Payment-Signature"

// Handler exposes payment orders and the gateway callback over HTTP.
type Handler struct {
	gate   *Gate
	tokens *auth.Tokens
	secret string
	logger *zap.Logger
}

// NewHandler creates a Handler. secret verifies callback signatures; an
// empty secret rejects every callback.
func NewHandler(gate *Gate, tokens *auth.Tokens, secret string, logger *zap.Logger) *Handler {
	return &Handler{gate: gate, tokens: tokens, secret: secret, logger: logger}
}

// Register mounts the payment routes on rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	p := rg.Group("/payments")
	p.POST("/callback", h.Callback)

	orders := p.Group("/orders")
	orders.Use(auth.RequireOwner(h.tokens))
	{
		orders.POST("", h.CreateOrder)
		orders.GET("/:id", h.GetOrder)
		orders.POST("/:id/cancel", h.CancelOrder)
	}
}

// CreateOrderRequest is the body of POST /payments/orders.
type CreateOrderRequest struct {
	CertificateID string `json:"certificate_id" binding:"required"`
	Method        Method `json:"method"         binding:"required"`
	AmountCents   int64  `json:"amount_cents"`
}

// CallbackRequest is the body the gateway posts once a payment settles.
type CallbackRequest struct {
	OrderID       string `json:"order_id"       binding:"required"`
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
}

// CreateOrder handles POST /payments/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	ownerID, ok := auth.OwnerFromCtx(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	certID, err := uuid.Parse(req.CertificateID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate ID"})
		return
	}

	o, err := h.gate.CreateOrder(c.Request.Context(), ownerID, certID, req.Method, req.AmountCents)
	if err != nil {
		h.fail(c, "create payment order", err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOrder handles GET /payments/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.gate.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get payment order", err)
		return
	}
	if ownerID, _ := auth.OwnerFromCtx(c); o.OwnerID != ownerID && !auth.IsAdmin(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrOrderNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

// CancelOrder handles POST /payments/orders/:id/cancel.
func (h *Handler) CancelOrder(c *gin.Context) {
	ownerID, _ := auth.OwnerFromCtx(c)
	o, err := h.gate.Cancel(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		h.fail(c, "cancel payment order", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Callback handles POST /payments/callback. The signature is checked over
// the raw body before anything is parsed.
func (h *Handler) Callback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if !h.verify(body, c.GetHeader(SignatureHeader)) {
		h.logger.Warn("payment callback rejected: bad signature", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	var req CallbackRequest
	if err := binding.JSON.BindBody(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.gate.ConfirmPayment(c.Request.Context(), req.OrderID, Outcome{
		Success:       req.Success,
		TransactionID: req.TransactionID,
	})
	if errors.Is(err, ErrAlreadyProcessed) {
		c.JSON(http.StatusOK, gin.H{"order_id": req.OrderID, "status": ResultAlreadyProcessed})
		return
	}
	if err != nil {
		h.fail(c, "confirm payment", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": req.OrderID, "status": res})
}

func (h *Handler) verify(body []byte, signature string) bool {
	if h.secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(body, h.secret)), []byte(signature))
}

// Sign computes the callback signature for body: "sha256=" + hex HMAC-SHA256.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ErrInvalidMethod), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, certs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrAlreadyProcessed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
