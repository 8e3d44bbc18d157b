package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/reconcile"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdminLedgerRecord records an operator deposit (CREDIT) or withdrawal
// (REDEMPTION) against an account.
func AdminLedgerRecord(ledger *accounts.Ledger, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			AccountID string           `json:"account_id" binding:"required"`
			EntryType models.EntryType `json:"entry_type" binding:"required"`
			Amount    decimal.Decimal  `json:"amount"`
			Reference string           `json:"reference"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "account_id and entry_type are required")
			return
		}

		ctx := c.Request.Context()
		var (
			entry *models.LedgerEntry
			err   error
		)
		switch req.EntryType {
		case models.EntryCredit:
			if _, err = ledger.Initialize(ctx, req.AccountID); err == nil {
				entry, err = ledger.Deposit(ctx, req.AccountID, req.Amount, req.Reference)
			}
		case models.EntryRedemption:
			entry, err = ledger.Withdraw(ctx, req.AccountID, req.Amount, req.Reference)
		default:
			badRequest(c, "entry_type must be CREDIT or REDEMPTION")
			return
		}
		if err != nil {
			respondError(c, log, err)
			return
		}

		logAdminAction(c, st, log, "ledger_record", models.AuditEvent{AccountID: req.AccountID, Details: map[string]any{
			"entry_id":   entry.ID,
			"entry_type": string(req.EntryType),
			"amount":     entry.Amount.String(),
			"reference":  req.Reference,
		}})
		c.JSON(http.StatusOK, gin.H{"entry_id": entry.ID, "seq": entry.Seq})
	}
}

// GetReconciliation returns the latest checkpoint and any open CRITICAL one.
func GetReconciliation(st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		resp := gin.H{"withdrawals_blocked": false}

		latest, err := st.LatestCheckpoint(ctx)
		switch {
		case err == nil:
			resp["latest"] = latest
		case !errors.Is(err, models.ErrNotFound):
			respondError(c, log, err)
			return
		}

		open, err := st.OpenCritical(ctx)
		switch {
		case err == nil:
			resp["open_critical"] = open
			resp["withdrawals_blocked"] = true
		case !errors.Is(err, models.ErrNotFound):
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// RunReconciliation takes a checkpoint now instead of waiting for the timer.
func RunReconciliation(w *reconcile.Worker, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cp, err := w.Checkpoint(c.Request.Context())
		if err != nil {
			respondError(c, log, err)
			return
		}
		logAdminAction(c, st, log, "reconciliation_run", models.AuditEvent{Details: map[string]any{
			"checkpoint_id": cp.ID,
			"status":        string(cp.Status),
		}})
		c.JSON(http.StatusOK, cp)
	}
}

// ClearReconciliation accepts a reviewed CRITICAL checkpoint and lifts the
// withdrawal block.
func ClearReconciliation(w *reconcile.Worker, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			badRequest(c, "invalid checkpoint id")
			return
		}
		base, err := w.Clear(c.Request.Context(), id, middleware.AdminID(c))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cleared": id, "baseline": base})
	}
}
