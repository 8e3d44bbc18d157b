package admin

import (
	"context"
	"sort"
	"testing"

	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, CreateOrUpdate(ctx, st, " ops ", "Ops", "first", []string{"finance"}))

	acc, err := Authenticate(ctx, st, "ops", "first")
	require.NoError(t, err)
	assert.Equal(t, "Ops", acc.DisplayName)
	assert.NotEqual(t, "first", acc.TokenHash)

	for _, tc := range []struct{ id, token string }{
		{"ops", "wrong"},
		{"ghost", "first"},
		{"", "first"},
		{"ops", ""},
	} {
		_, err := Authenticate(ctx, st, tc.id, tc.token)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "%q/%q", tc.id, tc.token)
	}

	// Re-seeding rotates the token.
	require.NoError(t, CreateOrUpdate(ctx, st, "ops", "Ops", "second", nil))
	_, err = Authenticate(ctx, st, "ops", "first")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = Authenticate(ctx, st, "ops", "second")
	assert.NoError(t, err)

	assert.Error(t, CreateOrUpdate(ctx, st, "  ", "x", "tok", nil))
	assert.Error(t, CreateOrUpdate(ctx, st, "x", "x", "", nil))
}

func TestRuntimeSettings(t *testing.T) {
	cfg := &config.Config{
		Environment:     "production",
		JWTSecret:       "jwt-secret-value",
		IntegritySalt:   "salt-value",
		DatabaseURL:     "postgres://user:pw@db/arbiter",
		StartingBalance: decimal.NewFromInt(100),
		DefaultStake:    decimal.RequireFromString("2.5"),
		RakeTiers:       "10:0.08,*:0.05",
	}
	got := RuntimeSettings(cfg)

	keys := make([]string, 0, len(got))
	byKey := map[string]RuntimeSetting{}
	for _, s := range got {
		keys = append(keys, s.Key)
		byKey[s.Key] = s
		assert.NotContains(t, s.Value, "secret")
		assert.NotContains(t, s.Value, "pw@")
	}
	assert.True(t, sort.StringsAreSorted(keys))
	assert.Equal(t, "2.50", byKey["DEFAULT_STAKE"].Value)
	assert.Equal(t, "decimal", byKey["DEFAULT_STAKE"].ValueType)
	assert.Equal(t, "production", byKey["APP_ENV"].Value)
	assert.NotContains(t, byKey, "JWT_SECRET")
}
