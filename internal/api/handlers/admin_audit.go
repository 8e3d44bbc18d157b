package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/store"
	"go.uber.org/zap"
)

// GetAuditEvents returns the newest audit events, optionally of one kind.
func GetAuditEvents(st store.Store, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := c.DefaultQuery("kind", "")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
		if limit <= 0 || limit > 200 {
			limit = 25
		}

		evs, err := st.AuditEvents(c.Request.Context(), kind, limit)
		if err != nil {
			respondError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": evs, "kind": kind, "limit": limit})
	}
}
