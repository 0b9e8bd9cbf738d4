// Package eventbus publishes session lifecycle events over NATS JetStream
// when configured, and is a silent no-op otherwise. It is additive: nothing
// in the session/registry/control path depends on a subscriber being
// present.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionRunning EventType = "session.running"
	EventSessionExited  EventType = "session.exited"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is a thin JetStream publisher. An empty natsURL produces an inactive
// bus whose Publish/Subscribe calls are silently no-ops.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	subs   []*nats.Subscription
	active bool
}

// NewBus connects to natsURL and provisions the TERMD_SESSIONS stream. An
// empty natsURL returns an inactive bus rather than an error.
func NewBus(natsURL string) (*Bus, error) {
	if natsURL == "" {
		return &Bus{active: false}, nil
	}

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("eventbus: jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js, active: true}
	if err := b.createStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) createStream() error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      "TERMD_SESSIONS",
		Subjects:  []string{"termd.session.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("eventbus: create stream: %w", err)
	}
	return nil
}

// Publish stamps the event's timestamp and publishes it, keyed by session
// id and event type.
func (b *Bus) Publish(event Event) error {
	if !b.active {
		return nil
	}
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}

	subject := fmt.Sprintf("termd.session.%s.%s", event.SessionID, event.Type)
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Subscribe attaches handler to subject (e.g. "termd.session.*.exited"),
// returning an unsubscribe function.
func (b *Bus) Subscribe(subject string, handler func(Event)) (func(), error) {
	if !b.active {
		return func() {}, nil
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}
	b.subs = append(b.subs, sub)
	return func() { sub.Unsubscribe() }, nil
}

func (b *Bus) Close() error {
	if !b.active {
		return nil
	}
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.nc.Close()
	return nil
}

func (b *Bus) IsActive() bool { return b.active }
