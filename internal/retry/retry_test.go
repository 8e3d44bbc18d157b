package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/playmatatu/arbiter/internal/models"
	"github.com/stretchr/testify/assert"
)

var fast = Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestDoRetriesConflicts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", nil, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("write: %w", models.ErrConcurrencyConflict)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", nil, func() error {
		calls++
		return models.ErrInsufficientFunds
	})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterBudget(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "test", nil, func() error {
		calls++
		return models.ErrConcurrencyConflict
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)
	assert.Equal(t, 4, calls)
}

func TestDoCustomRetryable(t *testing.T) {
	flaky := errors.New("flaky")
	calls := 0
	err := Do(context.Background(), fast, "test", func(err error) bool { return errors.Is(err, flaky) }, func() error {
		calls++
		if calls == 1 {
			return flaky
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}
