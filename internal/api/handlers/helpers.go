package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/admin"
	"github.com/playmatatu/arbiter/internal/models"
	"go.uber.org/zap"
)

// statusFor maps a domain error onto an HTTP status. The most specific cause
// is checked first since settlement failures wrap their underlying error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrAccountFrozen),
		errors.Is(err, models.ErrIntegrityViolation),
		errors.Is(err, models.ErrWithdrawalsBlocked):
		return http.StatusLocked
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotParticipant),
		errors.Is(err, models.ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, models.ErrGraceExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrConcurrencyConflict),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidHoldState),
		errors.Is(err, models.ErrAlreadyQueued),
		errors.Is(err, models.ErrDuplicate),
		errors.Is(err, models.ErrSettlementFailure):
		return http.StatusConflict
	case errors.Is(err, admin.ErrInvalidCredentials):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// respondError writes err as JSON. Unexpected errors are logged and hidden.
func respondError(c *gin.Context, log *zap.SugaredLogger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Errorw("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
