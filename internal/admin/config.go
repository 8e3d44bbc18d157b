package admin

import (
	"sort"
	"strconv"

	"github.com/playmatatu/arbiter/internal/config"
)

// RuntimeSetting is one effective configuration value shown to operators.
type RuntimeSetting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ValueType string `json:"value_type"`
}

// RuntimeSettings lists the non-secret settings the process is running with,
// sorted by key.
func RuntimeSettings(cfg *config.Config) []RuntimeSetting {
	i := func(v int64) string { return strconv.FormatInt(v, 10) }
	out := []RuntimeSetting{
		{"APP_ENV", cfg.Environment, "string"},
		{"STORE_BACKEND", cfg.StoreBackend, "string"},
		{"QUEUE_BACKEND", cfg.QueueBackend, "string"},
		{"EVENTS_BACKEND", cfg.EventsBackend, "string"},
		{"STARTING_BALANCE", cfg.StartingBalance.StringFixed(2), "decimal"},
		{"DEFAULT_STAKE", cfg.DefaultStake.StringFixed(2), "decimal"},
		{"BOT_BANKROLL", cfg.BotBankroll.StringFixed(2), "decimal"},
		{"RAKE_TIERS", cfg.RakeTiers, "string"},
		{"RECONNECT_GRACE_MS", i(cfg.ReconnectGraceMs), "int"},
		{"QUEUE_FALLBACK_MS", i(cfg.QueueFallbackMs), "int"},
		{"LOCK_READY_TIMEOUT_MS", i(cfg.LockReadyTimeoutMs), "int"},
		{"TICK_INTERVAL_MS", i(cfg.TickIntervalMs), "int"},
		{"MASS_DISCONNECT_THRESHOLD", strconv.FormatFloat(cfg.MassDisconnectThreshold, 'f', -1, 64), "float"},
		{"MASS_DISCONNECT_WINDOW_MS", i(cfg.MassDisconnectWindowMs), "int"},
		{"MASS_DISCONNECT_MIN_MATCHES", strconv.Itoa(cfg.MassDisconnectMinMatches), "int"},
		{"TRUST_MIN_TO_QUEUE", strconv.Itoa(cfg.TrustMinToQueue), "int"},
		{"TRUST_MIN_HIGH_STAKE", strconv.Itoa(cfg.TrustMinHighStake), "int"},
		{"TRUST_HIGH_STAKE", cfg.TrustHighStake.StringFixed(2), "decimal"},
		{"RECONCILE_INTERVAL_MS", i(cfg.ReconcileIntervalMs), "int"},
		{"RECONCILE_WARN_TOLERANCE", cfg.ReconcileWarnTolerance.String(), "decimal"},
		{"RECONCILE_CRITICAL_AFTER", strconv.Itoa(cfg.ReconcileCriticalAfter), "int"},
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out
}
