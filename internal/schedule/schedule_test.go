package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewManual(start)

	var order []string
	m.At(start.Add(3*time.Second), func(context.Context) { order = append(order, "c") })
	m.At(start.Add(time.Second), func(context.Context) { order = append(order, "a") })
	m.At(start.Add(2*time.Second), func(context.Context) {
		order = append(order, "b")
		// Scheduled from inside a callback and still due within this Advance.
		m.At(m.Now().Add(500*time.Millisecond), func(context.Context) { order = append(order, "b2") })
	})

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 2, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "b2", "c"}, order)
	assert.Equal(t, start.Add(3*time.Second), m.Now())
}

func TestTokenCancel(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	fired := false
	tok := m.At(start.Add(time.Second), func(context.Context) { fired = true })

	assert.True(t, tok.Cancel())
	assert.False(t, tok.Cancel())
	select {
	case <-tok.Done():
	default:
		t.Fatal("cancelled token should be done")
	}

	m.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, m.Pending())
}

func TestCancelAfterFire(t *testing.T) {
	start := time.Unix(0, 0)
	m := NewManual(start)
	tok := m.At(start, func(context.Context) {})
	m.Advance(0)
	assert.False(t, tok.Cancel())
}

func TestRealFires(t *testing.T) {
	done := make(chan struct{})
	tok := Real{}.At(time.Now().Add(5*time.Millisecond), func(context.Context) { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("real timer did not fire")
	}
	require.False(t, tok.Cancel())
}
