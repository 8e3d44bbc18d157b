package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/store"
	"go.uber.org/zap"
)

// GetAdminMatch returns a match with every ledger row written for it.
func GetAdminMatch(m *game.Machine, st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		match, err := m.GetMatch(ctx, c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		entries, err := st.LedgerByMatch(ctx, match.ID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"match": match, "ledger": entries})
	}
}

// ResolveMatch settles a DISPUTED match to a winner, as a draw, or voids it
// and refunds both stakes.
func ResolveMatch(m *game.Machine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			WinnerID string `json:"winner_id"`
			Draw     bool   `json:"draw"`
			Void     bool   `json:"void"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request")
			return
		}
		n := 0
		for _, set := range []bool{req.WinnerID != "", req.Draw, req.Void} {
			if set {
				n++
			}
		}
		if n != 1 {
			badRequest(c, "exactly one of winner_id, draw or void is required")
			return
		}

		matchID := c.Param("id")
		res, err := m.ResolveDispute(c.Request.Context(), matchID, req.WinnerID, req.Draw, req.Void, middleware.AdminID(c))
		if err != nil {
			respondError(c, log, err)
			return
		}
		if res == nil {
			c.JSON(http.StatusOK, gin.H{"match_id": matchID, "resolution": "void"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"match_id":   matchID,
			"resolution": "settled",
			"draw":       res.Draw,
			"winnings":   res.Winnings.StringFixed(2),
			"rake":       res.Rake.StringFixed(2),
		})
	}
}
