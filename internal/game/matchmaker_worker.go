package game

import (
	"context"
	"time"
)

// StartMatchmakerWorker periodically drains every bucket that holds a pair.
// Joining already pairs synchronously; the worker picks up entries requeued
// after a denied lock or pushed by another instance to a shared queue.
func (m *Machine) StartMatchmakerWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		m.log.Info("matchmaker worker disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Infow("matchmaker worker started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.log.Info("matchmaker worker stopped")
			return
		case <-ticker.C:
			m.processMatchmaking(ctx)
		}
	}
}

func (m *Machine) processMatchmaking(ctx context.Context) {
	buckets, err := m.queue.Buckets(ctx)
	if err != nil {
		m.log.Warnw("list queue buckets failed", "error", err)
		return
	}
	if len(buckets) == 0 {
		return
	}
	for _, b := range buckets {
		if err := m.drain(ctx, b.GameType, b.Stake); err != nil {
			m.log.Warnw("drain bucket failed", "game_type", b.GameType, "stake", b.Stake.String(), "error", err)
		}
	}
	m.updateQueueDepth(ctx)
}
