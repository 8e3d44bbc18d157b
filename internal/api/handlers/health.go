package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var startTime = time.Now()

const checkTimeout = 2 * time.Second

// ReadyCheck reports whether one backing service answers.
type ReadyCheck func(ctx context.Context) error

// Health reports uptime and the readiness of each backing service. A failing
// check turns the answer into 503 so load balancers stop routing here while
// the ledger store or the event bus is unreachable.
func Health(checks map[string]ReadyCheck, log *zap.SugaredLogger) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
		defer cancel()

		code, status := http.StatusOK, "ok"
		deps := make(gin.H, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				log.Warnw("readiness check failed", "dependency", name, "error", err)
				deps[name] = err.Error()
				code, status = http.StatusServiceUnavailable, "unavailable"
				continue
			}
			deps[name] = "ok"
		}
		c.JSON(code, gin.H{
			"status":       status,
			"uptime":       time.Since(startTime).Round(time.Second).String(),
			"dependencies": deps,
		})
	}
}
