// Package notify publishes session lifecycle events for external observers.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventType classifies a session event.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventCheckpointPending EventType = "checkpoint_pending"
	EventCheckpointNotice  EventType = "checkpoint_notice"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionFailed     EventType = "session_failed"
)

// Event is one session notification.
type Event struct {
	Type      EventType         `json:"type"`
	SessionID string            `json:"session_id"`
	Stage     string            `json:"stage,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// Notifier delivers session events. Delivery failures are logged, never
// propagated; notifications must not affect session outcomes.
type Notifier interface {
	Publish(ev Event)
}

// Nop discards all events.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(Event) {}

// NATS publishes events to missions.<session>.<type> subjects.
type NATS struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewNATS connects to a NATS server at url.
func NewNATS(url string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: conn, logger: logger}, nil
}

// Publish implements Notifier.
func (n *NATS) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("missions.%s.%s", ev.SessionID, ev.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		n.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains and closes the connection.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
