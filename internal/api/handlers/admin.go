package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// logAdminAction records an operator action in the audit trail. Failures are
// logged and do not fail the request.
func logAdminAction(c *gin.Context, st store.Store, log *zap.SugaredLogger, action string, ev models.AuditEvent) {
	if ev.Details == nil {
		ev.Details = map[string]any{}
	}
	ev.Kind = models.AuditAdminAction
	ev.Details["action"] = action
	ev.Details["admin_id"] = middleware.AdminID(c)
	ev.Details["ip"] = c.ClientIP()
	ev.Details["route"] = c.FullPath()
	if err := st.AppendAudit(c.Request.Context(), &ev); err != nil {
		log.Errorw("failed to log admin action", "action", action, "error", err)
	}
}

// AdminMe returns the authenticated operator id.
func AdminMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin_id": middleware.AdminID(c)})
	}
}

// AdminSettle settles a match for a named winner and loser. Repeating the
// call for a settled match returns the original result.
func AdminSettle(engine *settlement.Engine, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			MatchID  string          `json:"match_id" binding:"required"`
			WinnerID string          `json:"winner_id" binding:"required"`
			LoserID  string          `json:"loser_id" binding:"required"`
			Stake    decimal.Decimal `json:"stake"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "match_id, winner_id and loser_id are required")
			return
		}

		ctx := c.Request.Context()
		if req.Stake.IsZero() {
			match, err := st.Match(ctx, req.MatchID)
			if err != nil {
				respondError(c, log, err)
				return
			}
			req.Stake = match.Stake
		}
		res, err := engine.Settle(ctx, settlement.Request{
			MatchID:  req.MatchID,
			WinnerID: req.WinnerID,
			LoserID:  req.LoserID,
			Stake:    req.Stake,
		})
		if err != nil {
			respondError(c, log, err)
			return
		}
		logAdminAction(c, st, log, "settle", models.AuditEvent{MatchID: req.MatchID, Details: map[string]any{
			"winner_id": req.WinnerID,
			"duplicate": res.Duplicate,
		}})
		c.JSON(http.StatusOK, gin.H{
			"winnings":  res.Winnings.StringFixed(2),
			"rake":      res.Rake.StringFixed(2),
			"tier":      res.Tier,
			"duplicate": res.Duplicate,
		})
	}
}
