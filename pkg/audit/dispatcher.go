package audit

import (
	"context"
	"sync"
	"time"

	"github.com/campusworks/trustcore/pkg/observability"
)

// Sink receives audit events. Implementations may block; the dispatcher
// isolates callers from them.
type Sink interface {
	Write(ctx context.Context, event Event) error
}

// Emitter is what the engines depend on. Emit must never block the caller
// and must never surface an error.
type Emitter interface {
	Emit(event Event)
}

// Dispatcher fans events out to sinks from a single drain goroutine behind
// a bounded buffer. When the buffer is full the event is dropped and
// counted, not queued.
type Dispatcher struct {
	sinks   []Sink
	buffer  chan Event
	logger  *observability.Logger
	metrics *observability.Metrics

	// writeTimeout bounds each sink write so a stuck sink cannot stall the
	// drain goroutine forever.
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// DispatcherOption customizes a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithBufferSize sets the event buffer capacity (default 1024)
func WithBufferSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.buffer = make(chan Event, n)
		}
	}
}

// WithMetrics attaches dispatcher metrics
func WithMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithWriteTimeout bounds individual sink writes (default 5s)
func WithWriteTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.writeTimeout = t
		}
	}
}

// NewDispatcher starts a dispatcher draining into the given sinks
func NewDispatcher(logger *observability.Logger, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:        sinks,
		buffer:       make(chan Event, 1024),
		logger:       logger,
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
		drained:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	go d.drain()
	return d
}

// Emit enqueues an event without blocking. Events offered after Close, or
// while the buffer is full, are dropped with a warning.
func (d *Dispatcher) Emit(event Event) {
	select {
	case <-d.done:
		d.dropped(event)
		return
	default:
	}

	select {
	case d.buffer <- event:
		if d.metrics != nil {
			d.metrics.AuditEventsTotal.WithLabelValues(string(event.Name)).Inc()
		}
	default:
		d.dropped(event)
	}
}

func (d *Dispatcher) dropped(event Event) {
	if d.metrics != nil {
		d.metrics.AuditEventsDroppedTotal.Inc()
	}
	d.logger.WithField("event", string(event.Name)).Warn("audit event dropped")
}

func (d *Dispatcher) drain() {
	defer close(d.drained)
	for {
		select {
		case event := <-d.buffer:
			d.write(event)
		case <-d.done:
			// Flush whatever is already buffered
			for {
				select {
				case event := <-d.buffer:
					d.write(event)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(event Event) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		if err := sink.Write(ctx, event); err != nil {
			// Audit failures are logged, never propagated
			d.logger.WithError(err).WithField("event", string(event.Name)).Warn("audit sink write failed")
		}
		cancel()
	}
}

// Close stops accepting events, flushes the buffer, and waits for the drain
// goroutine to finish.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	<-d.drained
}

// NopEmitter discards all events; useful for tests and tooling.
type NopEmitter struct{}

// Emit discards the event
func (NopEmitter) Emit(Event) {}
