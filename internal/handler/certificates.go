package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/auth"
	"github.com/jmerrifield20/freessl/internal/service"
	"go.uber.org/zap"
)

// CertificateHandler serves the owner-facing certificate API.
type CertificateHandler struct {
	svc    *service.CertificateService
	tokens *auth.Tokens
	logger *zap.Logger
}

// NewCertificateHandler creates a CertificateHandler.
func NewCertificateHandler(svc *service.CertificateService, tokens *auth.Tokens, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers all certificate routes on the given router group.
func (h *CertificateHandler) Register(rg *gin.RouterGroup) {
	certsGroup := rg.Group("/certificates")
	certsGroup.Use(auth.RequireOwner(h.tokens))
	{
		certsGroup.POST("", h.Issue)
		certsGroup.GET("", h.List)
		certsGroup.GET("/:id", h.Get)
		certsGroup.POST("/:id/renew", h.Renew)
	}
}

// IssueRequest is the body of POST /certificates.
type IssueRequest struct {
	Domains []string `json:"domains" binding:"required,min=1"`
}

// Issue handles POST /certificates.
func (h *CertificateHandler) Issue(c *gin.Context) {
	ownerID, ok := auth.OwnerFromCtx(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := h.svc.Issue(c.Request.Context(), ownerID, req.Domains)
	if err != nil {
		respondError(c, h.logger, "issue certificate", err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// List handles GET /certificates.
func (h *CertificateHandler) List(c *gin.Context) {
	ownerID, _ := auth.OwnerFromCtx(c)
	list, err := h.svc.List(c.Request.Context(), ownerID)
	if err != nil {
		respondError(c, h.logger, "list certificates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": list, "count": len(list)})
}

// Get handles GET /certificates/:id.
func (h *CertificateHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ownerID, _ := auth.OwnerFromCtx(c)
	v, err := h.svc.Get(c.Request.Context(), ownerID, id)
	if err != nil {
		respondError(c, h.logger, "get certificate", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// Renew handles POST /certificates/:id/renew.
func (h *CertificateHandler) Renew(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ownerID, _ := auth.OwnerFromCtx(c)
	v, err := h.svc.Renew(c.Request.Context(), ownerID, id)
	if err != nil {
		respondError(c, h.logger, "renew certificate", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid certificate ID"})
		return uuid.Nil, false
	}
	return id, true
}
