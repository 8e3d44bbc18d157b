package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/admin"
	"github.com/playmatatu/arbiter/internal/config"
)

// GetRuntimeConfig returns the settings the process is running with.
func GetRuntimeConfig(cfg *config.Config) gin.HandlerFunc {
	settings := admin.RuntimeSettings(cfg)
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"configs": settings})
	}
}
