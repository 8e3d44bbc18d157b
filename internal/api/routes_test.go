package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"github.com/playmatatu/arbiter/internal/accounts"
	"github.com/playmatatu/arbiter/internal/admin"
	"github.com/playmatatu/arbiter/internal/api/handlers"
	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/engine"
	"github.com/playmatatu/arbiter/internal/engine/scorerace"
	"github.com/playmatatu/arbiter/internal/escrow"
	"github.com/playmatatu/arbiter/internal/events"
	"github.com/playmatatu/arbiter/internal/fairplay"
	"github.com/playmatatu/arbiter/internal/game"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/playmatatu/arbiter/internal/reconcile"
	"github.com/playmatatu/arbiter/internal/reconnect"
	"github.com/playmatatu/arbiter/internal/retry"
	"github.com/playmatatu/arbiter/internal/schedule"
	"github.com/playmatatu/arbiter/internal/settlement"
	"github.com/playmatatu/arbiter/internal/store"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/playmatatu/arbiter/internal/trust"
	"github.com/playmatatu/arbiter/internal/ws"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	jwtSecret  = "test-secret"
	salt       = "test-salt"
	adminID    = "ops"
	adminToken = "ops-token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	t      *testing.T
	st     *memory.Store
	router *gin.Engine
}

func newServer(t *testing.T, log *zap.SugaredLogger, opts ...func(*Deps)) *server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{
		Environment:      "test",
		FrontendURL:      "https://play.example",
		JWTSecret:        jwtSecret,
		IntegritySalt:    salt,
		DefaultStake:     decimal.NewFromInt(5),
		ReconnectGraceMs: 30000,
	}
	st := memory.New()
	clock := schedule.NewManual(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	ledger := accounts.New(st, accounts.Config{
		Salt:            salt,
		StartingBalance: decimal.NewFromInt(100),
		Retry:           retry.Policy{MaxAttempts: 20, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}, reconcile.NewGate(st), log)
	_, err := ledger.InitializeWith(ctx, models.HouseAccountID, decimal.Zero)
	require.NoError(t, err)

	esc := escrow.NewManager(ledger, log)
	settle := settlement.NewEngine(ledger, esc, nil, log)
	tracker := trust.NewTracker(st, log)
	guard := fairplay.NewGuard(fairplay.GuardConfig{}, nil, clock, log)
	engines := engine.NewRegistry()
	engines.Register("scorerace", scorerace.New(3, 0))
	bus := events.NewMemory()

	machine := game.NewMachine(game.Config{DefaultStake: cfg.DefaultStake}, game.Deps{
		Ledger:      ledger,
		Escrow:      esc,
		Settlement:  settle,
		Reconnect:   reconnect.NewManager(clock, cfg.ReconnectGrace(), tracker, reconnect.Penalties{Neutral: 5, Losing: 15}, log),
		Trust:       tracker,
		Eligibility: guard,
		Engines:     engines,
		Queue:       game.NewMemoryQueue(),
		Scheduler:   clock,
		Events:      bus,
		PairCheck:   guard,
	}, log)

	hub := ws.NewHub(machine, log)
	require.NoError(t, hub.Start(ctx, bus))
	require.NoError(t, admin.CreateOrUpdate(ctx, st, adminID, "Ops", adminToken, []string{"finance"}))

	deps := Deps{
		Config:     cfg,
		Store:      st,
		Ledger:     ledger,
		Settlement: settle,
		Machine:    machine,
		Reconcile:  reconcile.NewWorker(st, reconcile.Config{WarnTolerance: decimal.Zero}, nil, log),
		Engines:    engines,
		Hub:        hub,
		Log:        log,
		Guard:      guard,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	router := gin.New()
	SetupRoutes(router, deps)
	return &server{t: t, st: st, router: router}
}

func playerToken(t *testing.T, userID, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (s *server) do(method, path string, body any, header http.Header) (int, map[string]any) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (s *server) as(userID string) http.Header {
	return http.Header{"Authorization": {"Bearer " + playerToken(s.t, userID, jwtSecret)}}
}

func (s *server) asAdmin() http.Header {
	return http.Header{"Authorization": {"Bearer " + adminToken}, "X-Admin-Id": {adminID}}
}

// skim moves a balance without writing a ledger row.
func (s *server) skim(id string, delta decimal.Decimal) {
	s.t.Helper()
	ctx := context.Background()
	err := s.st.Atomic(ctx, func(tx store.Tx) error {
		acc, err := tx.Account(ctx, id)
		if err != nil {
			return err
		}
		expected := acc.Version
		acc.Balance = acc.Balance.Add(delta)
		acc.Version++
		acc.IntegrityHash = accounts.BalanceHash(acc.ID, acc.Balance, salt)
		return tx.UpdateAccount(ctx, acc, expected)
	})
	require.NoError(s.t, err)
}

func TestHealthAndPublicConfig(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, body := s.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"store": "ok"}, body["dependencies"])

	code, body = s.do(http.MethodGet, "/api/v1/config", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5.00", body["default_stake"])
	assert.Equal(t, []any{"scorerace"}, body["game_types"])
	tiers, ok := body["rake_tiers"].([]any)
	require.True(t, ok)
	require.Len(t, tiers, 3)
	assert.Equal(t, "SEED", tiers[0].(map[string]any)["name"])
	assert.Equal(t, "10.00", tiers[0].(map[string]any)["up_to"])
	assert.NotContains(t, tiers[2].(map[string]any), "up_to")
}

func TestPlayerRoutesRequireToken(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, _ := s.do(http.MethodGet, "/api/v1/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	forged := http.Header{"Authorization": {"Bearer " + playerToken(t, "alice", "other-secret")}}
	code, _ = s.do(http.MethodGet, "/api/v1/balance", nil, forged)
	assert.Equal(t, http.StatusUnauthorized, code)

	noSubject := http.Header{"Authorization": {"Bearer " + playerToken(t, "", jwtSecret)}}
	code, _ = s.do(http.MethodGet, "/api/v1/balance", nil, noSubject)
	assert.Equal(t, http.StatusUnauthorized, code)

	// A query token is only honoured on a websocket upgrade.
	code, _ = s.do(http.MethodGet, "/api/v1/balance?token="+playerToken(t, "alice", jwtSecret), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestBalanceAndWithdrawal(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, body := s.do(http.MethodGet, "/api/v1/balance", nil, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100.00", body["balance"])
	assert.EqualValues(t, 100, body["trust_score"])
	assert.Equal(t, false, body["frozen"])

	code, body = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "30", "reference": "payout-1"}, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "30.00", body["amount"])
	assert.Equal(t, "70.00", body["balance"])

	code, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "500"}, s.as("alice"))
	assert.Equal(t, http.StatusPaymentRequired, code)

	code, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "-1"}, s.as("alice"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "0.001"}, s.as("alice"))
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueueAndMatchRoutes(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, _ := s.do(http.MethodPost, "/api/v1/queue", gin.H{}, s.as("alice"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "chess"}, s.as("alice"))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace", "stake": "500"}, s.as("carol"))
	assert.Equal(t, http.StatusPaymentRequired, code)

	code, _ = s.do(http.MethodDelete, "/api/v1/queue", nil, s.as("carol"))
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "QUEUED", body["status"])

	code, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	assert.Equal(t, http.StatusConflict, code)

	code, body = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("bob"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "LOCKED", body["status"])
	matchID, _ := body["match_id"].(string)
	require.NotEmpty(t, matchID)

	code, _ = s.do(http.MethodDelete, "/api/v1/queue", nil, s.as("bob"))
	assert.Equal(t, http.StatusConflict, code, "no unilateral cancel once locked")

	_, body = s.do(http.MethodGet, "/api/v1/balance", nil, s.as("alice"))
	assert.Equal(t, "95.00", body["balance"])

	path := "/api/v1/matches/" + matchID
	code, body = s.do(http.MethodGet, path, nil, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "LOCKED", body["status"])

	code, _ = s.do(http.MethodGet, path, nil, s.as("mallory"))
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(http.MethodPost, path+"/soft-lock", nil, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "5.00", body["amount"])
	assert.Equal(t, matchID, body["match_id"])

	code, _ = s.do(http.MethodPost, path+"/ready", nil, s.as("mallory"))
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(http.MethodPost, path+"/ready", nil, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	code, body = s.do(http.MethodPost, path+"/ready", nil, s.as("bob"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ACTIVE", body["status"])

	code, _ = s.do(http.MethodGet, "/api/v1/matches/nope", nil, s.as("alice"))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminAuthentication(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, _ := s.do(http.MethodGet, "/api/v1/admin/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	wrong := http.Header{"Authorization": {"Bearer nope"}, "X-Admin-Id": {adminID}}
	code, _ = s.do(http.MethodGet, "/api/v1/admin/me", nil, wrong)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(http.MethodGet, "/api/v1/admin/me", nil, s.as(adminID))
	assert.Equal(t, http.StatusUnauthorized, code, "a player token is not an operator credential")

	code, body := s.do(http.MethodGet, "/api/v1/admin/me", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, adminID, body["admin_id"])

	code, body = s.do(http.MethodGet, "/api/v1/admin/config", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, fmt.Sprint(body), jwtSecret)
}

func TestAdminLedgerAndAudit(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, _ := s.do(http.MethodPost, "/api/v1/admin/ledger", gin.H{"account_id": "dave", "entry_type": "BONUS", "amount": "5"}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/api/v1/admin/ledger", gin.H{"account_id": "dave"}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := s.do(http.MethodPost, "/api/v1/admin/ledger", gin.H{"account_id": "dave", "entry_type": "CREDIT", "amount": "25", "reference": "bank-7"}, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["entry_id"])

	code, body = s.do(http.MethodPost, "/api/v1/admin/ledger", gin.H{"account_id": "dave", "entry_type": "REDEMPTION", "amount": "10"}, s.asAdmin())
	require.Equal(t, http.StatusOK, code)

	code, body = s.do(http.MethodGet, "/api/v1/admin/accounts/dave", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["integrity_valid"])
	acc := body["account"].(map[string]any)
	assert.Equal(t, "115", acc["balance"])

	code, _ = s.do(http.MethodGet, "/api/v1/admin/accounts/ghost", nil, s.asAdmin())
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(http.MethodGet, "/api/v1/admin/audit?kind=ADMIN_ACTION", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	evs := body["events"].([]any)
	require.Len(t, evs, 2)
	newest := evs[0].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "ledger_record", newest["action"])
	assert.Equal(t, "REDEMPTION", newest["entry_type"])
	assert.Equal(t, adminID, newest["admin_id"])
}

func TestReconciliationBlocksAndClears(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	_, _ = s.do(http.MethodGet, "/api/v1/balance", nil, s.as("alice"))

	code, body := s.do(http.MethodGet, "/api/v1/admin/reconciliation", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["withdrawals_blocked"])

	code, body = s.do(http.MethodPost, "/api/v1/admin/reconciliation/run", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "SUCCESS", body["status"])

	s.skim("alice", decimal.NewFromInt(3))
	code, body = s.do(http.MethodPost, "/api/v1/admin/reconciliation/run", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "CRITICAL_MISMATCH", body["status"])
	id := int64(body["id"].(float64))

	_, body = s.do(http.MethodGet, "/api/v1/admin/reconciliation", nil, s.asAdmin())
	assert.Equal(t, true, body["withdrawals_blocked"])

	code, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "1"}, s.as("alice"))
	assert.Equal(t, http.StatusLocked, code)

	code, _ = s.do(http.MethodPost, "/api/v1/admin/reconciliation/abc/clear", nil, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/reconciliation/%d/clear", id+5), nil, s.asAdmin())
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/reconciliation/%d/clear", id-1), nil, s.asAdmin())
	assert.Equal(t, http.StatusConflict, code, "a clean checkpoint has nothing to clear")

	code, body = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/reconciliation/%d/clear", id), nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, id, body["cleared"])

	code, _ = s.do(http.MethodPost, fmt.Sprintf("/api/v1/admin/reconciliation/%d/clear", id), nil, s.asAdmin())
	assert.Equal(t, http.StatusConflict, code, "already cleared")

	code, body = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "1"}, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "102.00", body["balance"])
}

func TestIntegrityFreezeAndUnfreeze(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())
	_, _ = s.do(http.MethodGet, "/api/v1/balance", nil, s.as("alice"))

	ctx := context.Background()
	require.NoError(t, s.st.Atomic(ctx, func(tx store.Tx) error {
		acc, err := tx.Account(ctx, "alice")
		if err != nil {
			return err
		}
		expected := acc.Version
		acc.Balance = acc.Balance.Add(decimal.NewFromInt(1000))
		acc.Version++
		return tx.UpdateAccount(ctx, acc, expected)
	}))

	code, body := s.do(http.MethodGet, "/api/v1/admin/accounts/alice", nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["integrity_valid"])

	code, _ = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "1"}, s.as("alice"))
	assert.Equal(t, http.StatusLocked, code)

	code, body = s.do(http.MethodPost, "/api/v1/admin/accounts/alice/unfreeze", gin.H{"reseal": true}, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["resealed"])

	code, body = s.do(http.MethodPost, "/api/v1/withdrawals", gin.H{"amount": "1"}, s.as("alice"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1099.00", body["balance"])

	_, body = s.do(http.MethodGet, "/api/v1/admin/audit?kind="+models.AuditIntegrityViolation, nil, s.asAdmin())
	assert.Len(t, body["events"], 1)
}

func TestAdminMatchRoutes(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())
	path := "/api/v1/admin/matches/missing/resolve"

	code, _ := s.do(http.MethodPost, path, gin.H{}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, path, gin.H{"draw": true, "void": true}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, path, gin.H{"void": true}, s.asAdmin())
	assert.Equal(t, http.StatusNotFound, code)

	_, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	_, body := s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("bob"))
	matchID := body["match_id"].(string)

	code, body = s.do(http.MethodGet, "/api/v1/admin/matches/"+matchID, nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["ledger"], 2, "one stake debit per player")

	code, _ = s.do(http.MethodPost, "/api/v1/admin/matches/"+matchID+"/resolve", gin.H{"void": true}, s.asAdmin())
	assert.Equal(t, http.StatusConflict, code, "only disputed matches are resolved")
}

func TestAdminSettleIsIdempotent(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	_, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	_, body := s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("bob"))
	matchID := body["match_id"].(string)
	path := "/api/v1/matches/" + matchID + "/ready"
	_, _ = s.do(http.MethodPost, path, nil, s.as("alice"))
	_, _ = s.do(http.MethodPost, path, nil, s.as("bob"))

	req := gin.H{"match_id": matchID, "winner_id": "alice", "loser_id": "bob"}
	code, body := s.do(http.MethodPost, "/api/v1/admin/settlements", req, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "9.20", body["winnings"])
	assert.Equal(t, "0.80", body["rake"])
	assert.Equal(t, false, body["duplicate"])

	code, body = s.do(http.MethodPost, "/api/v1/admin/settlements", req, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["duplicate"])

	_, body = s.do(http.MethodGet, "/api/v1/balance", nil, s.as("alice"))
	assert.Equal(t, "104.20", body["balance"])
}

func wsURL(srv *httptest.Server, matchID, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/matches/" + matchID + "/ws?token=" + token
}

func TestMatchWebSocket(t *testing.T) {
	// Connection goroutines outlive the test body, so they must not log to t.
	s := newServer(t, zap.NewNop().Sugar())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	_, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	_, body := s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("bob"))
	matchID := body["match_id"].(string)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, matchID, playerToken(t, "mallory", jwtSecret)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, matchID, playerToken(t, "alice", jwtSecret)),
		http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, matchID, playerToken(t, "alice", jwtSecret)),
		http.Header{"Origin": {"https://play.example"}})
	require.NoError(t, err)
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
	assert.Equal(t, "pong", read()["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "dance"}))
	msg := read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unknown message type", msg["message"])

	path := "/api/v1/matches/" + matchID + "/ready"
	_, _ = s.do(http.MethodPost, path, nil, s.as("alice"))
	_, _ = s.do(http.MethodPost, path, nil, s.as("bob"))

	for {
		msg = read()
		if msg["type"] == events.TypeStarted {
			break
		}
	}
	assert.Equal(t, matchID, msg["match_id"])
}

func TestSoftLockRejectsUnknownAndSettledMatches(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())

	code, _ := s.do(http.MethodPost, "/api/v1/matches/nope/soft-lock", nil, s.as("alice"))
	assert.Equal(t, http.StatusNotFound, code)

	_, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("alice"))
	_, body := s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("bob"))
	matchID := body["match_id"].(string)
	path := "/api/v1/matches/" + matchID
	_, _ = s.do(http.MethodPost, path+"/ready", nil, s.as("alice"))
	_, _ = s.do(http.MethodPost, path+"/ready", nil, s.as("bob"))

	req := gin.H{"match_id": matchID, "winner_id": "alice", "loser_id": "bob"}
	code, _ = s.do(http.MethodPost, "/api/v1/admin/settlements", req, s.asAdmin())
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(http.MethodPost, path+"/soft-lock", nil, s.as("bob"))
	assert.Equal(t, http.StatusConflict, code)

	_, body = s.do(http.MethodGet, "/api/v1/balance", nil, s.as("bob"))
	assert.Equal(t, "95.00", body["balance"], "no stake is taken for a settled match")
}

func TestHealthReportsUnavailableDependency(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar(), func(d *Deps) {
		d.Checks = map[string]handlers.ReadyCheck{
			"redis": func(context.Context) error { return nil },
			"nats":  func(context.Context) error { return errors.New("nats connection CLOSED") },
		}
	})

	code, body := s.do(http.MethodGet, "/api/v1/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, map[string]any{
		"store": "ok",
		"redis": "ok",
		"nats":  "nats connection CLOSED",
	}, body["dependencies"])
}

func TestQuarantineRoutes(t *testing.T) {
	s := newServer(t, zaptest.NewLogger(t).Sugar())
	path := "/api/v1/admin/accounts/carol/quarantine"

	code, _ := s.do(http.MethodPost, path, gin.H{}, s.asAdmin())
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := s.do(http.MethodPost, path, gin.H{"reason": "shared device"}, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["quarantined_until"])

	code, _ = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("carol"))
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = s.do(http.MethodDelete, path, nil, s.asAdmin())
	require.Equal(t, http.StatusOK, code)
	code, body = s.do(http.MethodPost, "/api/v1/queue", gin.H{"game_type": "scorerace"}, s.as("carol"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "QUEUED", body["status"])

	evs, err := s.st.AuditEvents(context.Background(), models.AuditAdminAction, 0)
	require.NoError(t, err)
	var actions []any
	for _, ev := range evs {
		actions = append(actions, ev.Details["action"])
	}
	assert.Contains(t, actions, "quarantine")
	assert.Contains(t, actions, "release_quarantine")
}
