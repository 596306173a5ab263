package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/casinohouse/accounting-engine/internal/model"
)

const (
	// StreamName is the JetStream stream holding audit events.
	StreamName = "HOUSE_AUDIT"
	// SubjectPrefix is followed by the event name, e.g. house.audit.stuck.
	SubjectPrefix = "house.audit"
)

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("house-accounting"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the audit event stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher forwards audit entries to JetStream. Publish only enqueues;
// Run does the network I/O so the engine never waits on NATS.
type NATSPublisher struct {
	js    StreamPublisher
	queue chan model.AuditEntry
}

// NewNATSPublisher creates a publisher with room for buffer queued entries.
func NewNATSPublisher(js StreamPublisher, buffer int) *NATSPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{js: js, queue: make(chan model.AuditEntry, buffer)}
}

// Publish enqueues entry, dropping it if the queue is full.
func (p *NATSPublisher) Publish(entry model.AuditEntry) {
	select {
	case p.queue <- entry:
	default:
		slog.Warn("nats audit queue full, dropping event", "event", entry.Event, "id", entry.ID)
	}
}

// Run publishes queued entries until ctx ends.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-p.queue:
			if err := p.publish(ctx, entry); err != nil {
				// Non-fatal: the audit log in the store is the durable copy.
				slog.Warn("nats audit publish failed", "event", entry.Event, "id", entry.ID, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, entry model.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// The entry ID doubles as the JetStream message ID, so a republish after
	// a lost ack is de-duplicated by the server.
	_, err = p.js.Publish(pctx, Subject(entry.Event), data, jetstream.WithMsgID(entry.ID))
	return err
}

// Subject returns the subject an event is published on.
func Subject(event model.AuditEvent) string {
	return SubjectPrefix + "." + string(event)
}
