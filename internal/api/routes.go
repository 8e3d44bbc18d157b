package api

import (
	"github.com/gin-gonic/gin"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/api/handlers"
	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/middleware"
	"github.com/playmatatu/arbiter/internal/reconcile"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the services the HTTP surface calls into.
type Deps struct {
	Config     *config.Config
	Store      store.Store
	Ledger     *accounts.Ledger
	Settlement *settlement.Engine
	Machine    *game.Machine
	Reconcile  *reconcile.Worker
	Engines    *engine.Registry
	Hub        *ws.Hub
	Log        *zap.SugaredLogger

	Guard  *fairplay.Guard // optional; enables the quarantine routes
	// Checks are extra readiness checks by name. The store is always checked.
	Checks map[string]handlers.ReadyCheck
}

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, d Deps) {
	cfg := d.Config
	log := d.Log.Named("http")

	router.Use(middleware.CORSMiddleware(cfg, d.Log))

	if cfg.IsDevelopment() {
		router.Use(func(c *gin.Context) {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
			c.Header("Pragma", "no-cache")
			c.Next()
		})
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		checks := map[string]handlers.ReadyCheck{"store": d.Store.Ping}
		for name, check := range d.Checks {
			checks[name] = check
		}
		v1.GET("/health", handlers.Health(checks, log))
		v1.GET("/config", handlers.GetConfig(cfg, d.Settlement.Tiers(), d.Engines))

		player := v1.Group("", middleware.PlayerAuth(cfg.JWTSecret))
		{
			player.POST("/queue", handlers.JoinQueue(d.Machine, d.Guard, log))
			player.DELETE("/queue", handlers.LeaveQueue(d.Machine, log))
			player.GET("/balance", handlers.GetBalance(d.Ledger, log))
			player.POST("/withdrawals", handlers.Withdraw(d.Ledger, log))

			match := player.Group("/matches/:id")
			{
				match.GET("", handlers.GetMatch(d.Machine, log))
				match.POST("/soft-lock", handlers.SoftLock(d.Machine, log))
				match.POST("/ready", handlers.Ready(d.Machine, log))
				match.GET("/ws", middleware.WebSocketCORSCheck(cfg), handlers.MatchWebSocket(d.Machine, d.Hub, log))
			}
		}

		adm := v1.Group("/admin", middleware.AdminAuth(d.Store, d.Log))
		{
			adm.GET("/me", handlers.AdminMe())
			adm.GET("/config", handlers.GetRuntimeConfig(cfg))
			adm.GET("/audit", handlers.GetAuditEvents(d.Store, log))

			adm.POST("/settlements", handlers.AdminSettle(d.Settlement, d.Store, log))
			adm.POST("/ledger", handlers.AdminLedgerRecord(d.Ledger, d.Store, log))

			adm.GET("/reconciliation", handlers.GetReconciliation(d.Store, log))
			adm.POST("/reconciliation/run", handlers.RunReconciliation(d.Reconcile, d.Store, log))
			adm.POST("/reconciliation/:id/clear", handlers.ClearReconciliation(d.Reconcile, log))

			adm.GET("/accounts/:id", handlers.GetAdminAccount(d.Ledger, d.Store, log))
			adm.POST("/accounts/:id/unfreeze", handlers.UnfreezeAccount(d.Ledger, log))
			if d.Guard != nil {
				adm.POST("/accounts/:id/quarantine", handlers.QuarantineAccount(d.Guard, d.Store, log))
				adm.DELETE("/accounts/:id/quarantine", handlers.ReleaseAccount(d.Guard, d.Store, log))
			}

			adm.GET("/matches/:id", handlers.GetAdminMatch(d.Machine, d.Store, log))
			adm.POST("/matches/:id/resolve", handlers.ResolveMatch(d.Machine, log))
		}
	}
}
