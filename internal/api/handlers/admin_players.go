package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/store"
	"go.uber.org/zap"
)

// GetAdminAccount returns an account with its most recent ledger rows and
// whether its stored balance hash still verifies.
func GetAdminAccount(ledger *accounts.Ledger, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 500 {
			limit = 50
		}

		acc, err := st.Account(ctx, id)
		if err != nil {
			respondError(c, log, err)
			return
		}
		entries, err := st.LedgerByAccount(ctx, id, limit)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"account":         acc,
			"integrity_valid": ledger.VerifyIntegrity(ctx, id) == nil,
			"ledger":          entries,
		})
	}
}

// UnfreezeAccount lifts a freeze after manual review. With reseal set the
// current balance is accepted and re-hashed.
func UnfreezeAccount(ledger *accounts.Ledger, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reseal bool `json:"reseal"`
		}
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "Invalid request")
				return
			}
		}

		id := c.Param("id")
		if err := ledger.Unfreeze(c.Request.Context(), id, middleware.AdminID(c), req.Reseal); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": id, "frozen": false, "resealed": req.Reseal})
	}
}

// QuarantineAccount holds a player out of matchmaking for the configured
// quarantine period.
func QuarantineAccount(guard *fairplay.Guard, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "reason is required")
			return
		}
		id := c.Param("id")
		until := guard.Quarantine(id, req.Reason)
		logAdminAction(c, st, log, "quarantine", models.AuditEvent{AccountID: id, Details: map[string]any{
			"reason": req.Reason,
			"until":  until.UTC(),
		}})
		c.JSON(http.StatusOK, gin.H{"account_id": id, "quarantined_until": until.UTC()})
	}
}

// ReleaseAccount lifts a quarantine early.
func ReleaseAccount(guard *fairplay.Guard, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		guard.Release(id)
		logAdminAction(c, st, log, "release_quarantine", models.AuditEvent{AccountID: id})
		c.JSON(http.StatusOK, gin.H{"account_id": id, "quarantined": false})
	}
}
