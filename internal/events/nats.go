package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject is the NATS subject for match events.
const Subject = "arbiter.match_events"

type NATS struct {
	conn *nats.Conn
	log  *zap.SugaredLogger
}

// ConnectNATS dials the server with reconnect handling.
func ConnectNATS(url string, log *zap.SugaredLogger) (*NATS, error) {
	l := log.Named("events.nats")
	conn, err := nats.Connect(url,
		nats.Name("arbiter"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warnw("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Infow("reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, log: l}, nil
}

func (n *NATS) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.conn.Publish(Subject, b)
}

func (n *NATS) Subscribe(ctx context.Context, fn func(Event)) error {
	sub, err := n.conn.Subscribe(Subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			n.log.Warnw("invalid event payload", "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warnw("unsubscribe failed", "error", err)
		}
	}()
	return nil
}

// Ping reports whether the connection to the server is up.
func (n *NATS) Ping(context.Context) error {
	if status := n.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
