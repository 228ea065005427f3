package bus

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects carried on the bus. The invalidate subject is the cross-process
// signal that catalog consumers must drop memoized reads.
const (
	SubjectUpdateSubmitted   = "updraft.update.submitted"
	SubjectUpdateApproved    = "updraft.update.approved"
	SubjectUpdateProgress    = "updraft.update.progress"
	SubjectUpdatePublished   = "updraft.update.published"
	SubjectCatalogInvalidate = "updraft.catalog.invalidate"
)

// Event is the JSON payload for update lifecycle notifications.
type Event struct {
	Type        string    `json:"type"`
	Key         string    `json:"key,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	ContentID   string    `json:"content_id,omitempty"`
	File        string    `json:"file,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Message     string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

// Sink is the publish half of the bus; handlers that only emit events accept
// a Sink so tests can capture them.
type Sink interface {
	Publish(subject string, evt Event) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(string, Event) error { return nil }

var (
	errNilBus       = errors.New("nats bus not initialized")
	errEmptySubject = errors.New("empty subject")
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
type NatsBus struct {
	nc *nats.Conn
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("updraft-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded event on the given subject.
func (b *NatsBus) Publish(subject string, evt Event) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes events and invokes the
// handler. A non-empty queue joins a queue group so only one member handles
// each event.
func (b *NatsBus) Subscribe(subject, queue string, handler func(Event) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptySubject
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	cb := func(msg *nats.Msg) {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			log.Printf("nats bus: failed to unmarshal event: %v", err)
			return
		}
		if err := handler(evt); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

// IsConnected reports whether the underlying connection is live.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Status returns the connection status string for status payloads.
func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}
