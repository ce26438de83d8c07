package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freessl/internal/accounts"
	"github.com/jmerrifield20/freessl/internal/certs"
	"github.com/jmerrifield20/freessl/internal/issuer"
	"github.com/jmerrifield20/freessl/internal/renewal"
	"github.com/jmerrifield20/freessl/internal/scheduler"
	"github.com/jmerrifield20/freessl/internal/service"
	"go.uber.org/zap"
)

// respondError maps domain errors to HTTP responses. Unexpected errors are
// logged with op and answered with a generic 500.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var (
		verr *issuer.ValidationError
		ierr *issuer.IssuanceError
		rerr *issuer.RenewalError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, certs.ErrNotFound), errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownJob), errors.Is(err, renewal.ErrUnknownSweep):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPaymentRequired):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrInFlight), errors.Is(err, certs.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &ierr):
		logger.Warn(op, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "certificate issuance failed", "diagnostic": ierr.Diagnostic})
	case errors.As(err, &rerr):
		logger.Warn(op, zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "certificate renewal failed", "diagnostic": rerr.Diagnostic})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
