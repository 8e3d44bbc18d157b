package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/settlement"
)

// GetConfig returns public configuration values for the frontend
func GetConfig(cfg *config.Config, tiers settlement.TierTable, engines *engine.Registry) gin.HandlerFunc {
	bands := make([]gin.H, 0, len(tiers))
	for _, t := range tiers {
		b := gin.H{"name": t.Name, "rate": t.Rate.String()}
		if t.UpTo != nil {
			b["up_to"] = t.UpTo.StringFixed(2)
		}
		bands = append(bands, b)
	}

	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"default_stake":      cfg.DefaultStake.StringFixed(2),
			"rake_tiers":         bands,
			"game_types":         engines.Types(),
			"reconnect_grace_ms": cfg.ReconnectGraceMs,
		})
	}
}
