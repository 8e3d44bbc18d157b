package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// JoinQueue queues the caller for a game type at a stake. A missing stake
// means the default stake. The caller's address is recorded with the guard
// when one is configured.
func JoinQueue(m *game.Machine, guard *fairplay.Guard, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			GameType string          `json:"game_type" binding:"required"`
			Stake    decimal.Decimal `json:"stake"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request. game_type is required.")
			return
		}
		if req.Stake.IsNegative() {
			badRequest(c, "stake must be positive")
			return
		}

		userID := middleware.UserID(c)
		if guard != nil {
			guard.Observe(userID, c.ClientIP())
		}
		ticket, err := m.JoinQueue(c.Request.Context(), userID, req.GameType, req.Stake)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, ticket)
	}
}

// LeaveQueue removes the caller from the queue while still unmatched.
func LeaveQueue(m *game.Machine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.LeaveQueue(c.Request.Context(), middleware.UserID(c)); err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}

// SoftLock escrows the caller's stake for a match and returns the hold id.
func SoftLock(m *game.Machine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		hold, err := m.SoftLock(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"lock_id":  hold.ID,
			"match_id": hold.MatchID,
			"amount":   hold.Amount.StringFixed(2),
			"state":    hold.State,
		})
	}
}

// Ready acknowledges a LOCKED match. The match starts once both players are ready.
func Ready(m *game.Machine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		match, err := m.Ready(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, match)
	}
}

// GetMatch returns the caller's view of one of their matches.
func GetMatch(m *game.Machine, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		match, err := m.GetMatch(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, log, err)
			return
		}
		if !match.HasPlayer(middleware.UserID(c)) {
			respondError(c, log, models.ErrNotParticipant)
			return
		}
		c.JSON(http.StatusOK, match)
	}
}
