package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/freessl/internal/audit"
	"github.com/jmerrifield20/freessl/internal/auth"
	"github.com/jmerrifield20/freessl/internal/lifecycle"
	"github.com/jmerrifield20/freessl/internal/scheduler"
	"github.com/jmerrifield20/freessl/internal/service"
	"go.uber.org/zap"
)

// Jobs is the scheduler surface the admin API drives.
type Jobs interface {
	Status() []scheduler.JobStatus
	Trigger(ctx context.Context, name string) (any, error)
}

// Evaluator runs the lifecycle decision for one certificate.
type Evaluator interface {
	Evaluate(ctx context.Context, id uuid.UUID) (lifecycle.Action, error)
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	jobs      Jobs
	evaluator Evaluator
	svc       *service.CertificateService
	ledger    audit.Ledger // nil = audit endpoints disabled
	tokens    *auth.Tokens
	logger    *zap.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(jobs Jobs, evaluator Evaluator, svc *service.CertificateService, tokens *auth.Tokens, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{jobs: jobs, evaluator: evaluator, svc: svc, tokens: tokens, logger: logger}
}

// SetLedger enables the audit endpoints.
func (h *AdminHandler) SetLedger(l audit.Ledger) {
	h.ledger = l
}

// Register registers the admin routes on the given router group.
func (h *AdminHandler) Register(rg *gin.RouterGroup) {
	admin := rg.Group("/admin")
	admin.Use(auth.RequireAdmin(h.tokens))
	{
		admin.GET("/sweeps", h.ListSweeps)
		admin.POST("/sweeps/:name/run", h.RunSweep)
		admin.GET("/certificates/:id", h.InspectCertificate)
		admin.POST("/certificates/:id/evaluate", h.EvaluateCertificate)
		admin.GET("/certificates/:id/audit", h.CertificateAudit)
		admin.GET("/audit/verify", h.VerifyAudit)
	}
}

// ListSweeps handles GET /admin/sweeps.
func (h *AdminHandler) ListSweeps(c *gin.Context) {
	jobs := h.jobs.Status()
	c.JSON(http.StatusOK, gin.H{"sweeps": jobs, "count": len(jobs)})
}

// RunSweep handles POST /admin/sweeps/:name/run. The sweep runs to
// completion before the response is written.
func (h *AdminHandler) RunSweep(c *gin.Context) {
	name := c.Param("name")
	result, err := h.jobs.Trigger(c.Request.Context(), name)
	if err != nil {
		respondError(c, h.logger, "run sweep", err)
		return
	}
	h.logger.Info("sweep triggered manually",
		zap.String("sweep", name),
		zap.String("actor", actorOf(c)),
	)
	c.JSON(http.StatusOK, gin.H{"sweep": name, "summary": result})
}

// InspectCertificate handles GET /admin/certificates/:id.
func (h *AdminHandler) InspectCertificate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	v, err := h.svc.Inspect(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "inspect certificate", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// EvaluateCertificate handles POST /admin/certificates/:id/evaluate.
func (h *AdminHandler) EvaluateCertificate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	action, err := h.evaluator.Evaluate(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "evaluate certificate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificate_id": id, "action": action.String()})
}

// CertificateAudit handles GET /admin/certificates/:id/audit.
func (h *AdminHandler) CertificateAudit(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit ledger not configured"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	entries, err := h.ledger.List(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "list audit entries", err)
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// VerifyAudit handles GET /admin/audit/verify.
func (h *AdminHandler) VerifyAudit(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit ledger not configured"})
		return
	}
	ctx := c.Request.Context()
	if err := h.ledger.Verify(ctx); err != nil {
		h.logger.Warn("audit ledger verification failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	n, err := h.ledger.Len(ctx)
	if err != nil {
		respondError(c, h.logger, "audit ledger length", err)
		return
	}
	root, err := h.ledger.Root(ctx)
	if err != nil {
		respondError(c, h.logger, "audit ledger root", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "entries": n, "root": root})
}

func actorOf(c *gin.Context) string {
	if claims := auth.ClaimsFromCtx(c); claims != nil {
		return claims.OwnerID
	}
	return "unknown"
}
