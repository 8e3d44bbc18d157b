package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/ws"
	"go.uber.org/zap"
)

// MatchWebSocket joins the caller to the match room. Closing the socket
// during play starts the reconnection grace window.
func MatchWebSocket(m *game.Machine, hub *ws.Hub, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, matchID := middleware.UserID(c), c.Param("id")
		match, err := m.GetMatch(c.Request.Context(), matchID)
		if err != nil {
			respondError(c, log, err)
			return
		}
		if !match.HasPlayer(userID) {
			respondError(c, log, models.ErrNotParticipant)
			return
		}
		hub.Serve(c.Writer, c.Request, userID, matchID)
	}
}
