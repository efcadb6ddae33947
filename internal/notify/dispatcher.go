package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/observability"
)

// Publisher accepts events. Engines depend on this, not on sinks.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to every registered sink. A failing sink
// is logged and does not affect the others.
type Dispatcher struct {
	log *logrus.Entry

	mu    sync.RWMutex
	sinks []Sink
}

// Compile-time interface check.
var _ Publisher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the given sinks.
func NewDispatcher(log *logrus.Entry, sinks ...Sink) *Dispatcher {
	return &Dispatcher{log: log, sinks: sinks}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Publish delivers ev to every sink in registration order.
func (d *Dispatcher) Publish(ctx context.Context, ev Event) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"sink": s.Name(),
				"kind": ev.Kind,
			}).Warn("event delivery failed")
			continue
		}
		observability.RecordNotification(string(ev.Kind), s.Name())
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(context.Context, Event) {}
