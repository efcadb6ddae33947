package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// LogSink writes events to a logrus entry.
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink creates a log sink.
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

// Deliver logs new listings at info and failures at warn.
func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	entry := s.log.WithFields(logrus.Fields{
		"kind":    ev.Kind,
		"address": ev.Address,
	})
	switch {
	case ev.Error != "":
		entry.WithField("error", ev.Error).Warn("event")
	case ev.Listing != nil:
		entry.WithFields(logrus.Fields{
			"name":   ev.Listing.Name,
			"symbol": ev.Listing.Symbol,
			"index":  ev.Listing.Index,
		}).Info("new listing")
	default:
		entry.Debug("event")
	}
	return nil
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string        `yaml:"url" env:"URL, overwrite"`
	Subject       string        `yaml:"subject" env:"SUBJECT, overwrite, default=picpool"`
	MaxReconnect  int           `yaml:"max_reconnect" env:"MAX_RECONNECT, overwrite, default=60"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" env:"RECONNECT_WAIT, overwrite, default=2s"`
}

// ConnectNATS dials NATS with reconnect handlers that log state changes.
func ConnectNATS(cfg NATSConfig, log *logrus.Entry) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("picpool"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// natsPublisher is the part of *nats.Conn the sink uses.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes JSON events on <subject>.<kind>.
type NATSSink struct {
	conn    natsPublisher
	subject string
}

// NewNATSSink creates a sink on an open connection.
func NewNATSSink(conn natsPublisher, subject string) *NATSSink {
	if subject == "" {
		subject = "picpool"
	}
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event kind is published on.
func (s *NATSSink) Subject(kind Kind) string {
	return s.subject + "." + string(kind)
}

// Deliver publishes ev.
func (s *NATSSink) Deliver(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Recorder keeps delivered events in memory. Used by tests and the
// discover command's summary output.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

// Deliver appends ev.
func (r *Recorder) Deliver(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Publish lets a Recorder stand in for a Publisher.
func (r *Recorder) Publish(ctx context.Context, ev Event) {
	_ = r.Deliver(ctx, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
