package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/straja-ai/lexanon/internal/placeholder"
	"github.com/straja-ai/lexanon/internal/redact"
)

// ErrUnsanitized marks an event that carries something other than entity
// types, counts, placeholders and redacted free text.
var ErrUnsanitized = errors.New("audit: event is not sanitized")

// Sink consumes audit events.
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Route binds a sink to the operations it records. No operations means all.
type Route struct {
	Sink       Sink
	Operations []Operation
}

func (r Route) accepts(op Operation) bool {
	if len(r.Operations) == 0 {
		return true
	}
	for _, o := range r.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// DeliveryStats is a point-in-time copy of the emitter counters.
type DeliveryStats struct {
	Enqueued  uint64
	Dropped   uint64
	Rejected  uint64
	Delivered map[string]uint64
	Failed    map[string]uint64
}

type sinkCounters struct {
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// EmitterConfig sizes the queue and worker pool.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
}

// Emitter queues events from the pipeline and delivers them on background
// workers, so a slow sink never delays anonymization. Every event is checked
// before it reaches a sink; unsanitized events are rejected.
type Emitter struct {
	routes          []Route
	counters        map[string]*sinkCounters
	shutdownTimeout time.Duration

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64

	mu     sync.RWMutex
	queue  chan *Event
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter starts the workers. Zero config values fall back to a queue of
// 1000, one worker and a two second shutdown budget.
func NewEmitter(cfg EmitterConfig, routes ...Route) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 2 * time.Second
	}

	e := &Emitter{
		routes:          routes,
		counters:        make(map[string]*sinkCounters, len(routes)),
		shutdownTimeout: cfg.ShutdownTimeout,
		queue:           make(chan *Event, cfg.QueueSize),
	}
	for _, r := range routes {
		e.counters[r.Sink.Name()] = &sinkCounters{}
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range e.queue {
				e.deliver(ev)
			}
		}()
	}
	return e
}

// Emit enqueues ev without blocking. A full queue or a closed emitter drops
// the event and counts it.
func (e *Emitter) Emit(_ context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.queue <- ev:
		e.enqueued.Add(1)
	default:
		e.dropped.Add(1)
	}
}

// Close stops intake, drains the queue within the shutdown budget and closes
// every sink.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.shutdownTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		redact.Logf("audit: shutdown budget exceeded, %d events left undelivered", len(e.queue))
	}

	for _, r := range e.routes {
		if err := r.Sink.Close(ctx); err != nil {
			redact.Logf("audit: closing sink %s: %v", r.Sink.Name(), err)
		}
	}
}

// Stats copies the counters.
func (e *Emitter) Stats() DeliveryStats {
	if e == nil {
		return DeliveryStats{}
	}
	out := DeliveryStats{
		Enqueued:  e.enqueued.Load(),
		Dropped:   e.dropped.Load(),
		Rejected:  e.rejected.Load(),
		Delivered: make(map[string]uint64, len(e.counters)),
		Failed:    make(map[string]uint64, len(e.counters)),
	}
	for name, c := range e.counters {
		out.Delivered[name] = c.delivered.Load()
		out.Failed[name] = c.failed.Load()
	}
	return out
}

func (e *Emitter) deliver(ev *Event) {
	if err := Check(ev); err != nil {
		e.rejected.Add(1)
		redact.Logf("audit: run %s rejected: %v", ev.RunID, err)
		return
	}
	for _, r := range e.routes {
		if !r.accepts(ev.Operation) {
			continue
		}
		c := e.counters[r.Sink.Name()]
		if err := r.Sink.Deliver(context.Background(), ev); err != nil {
			c.failed.Add(1)
			redact.Logf("audit: sink %s: run %s: %v", r.Sink.Name(), ev.RunID, err)
			continue
		}
		c.delivered.Add(1)
	}
}

// Check verifies that ev only holds what an audit record may hold: known
// entity types, well-formed placeholders and free text that redaction leaves
// unchanged.
func Check(ev *Event) error {
	switch ev.Operation {
	case OpAnonymize, OpRehydrate, OpGenerate:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrUnsanitized, ev.Operation)
	}
	for t := range ev.Entities.ByType {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown entity type %q", ErrUnsanitized, t)
		}
	}
	for _, ph := range ev.Placeholders {
		if _, ok := placeholder.Parse(ph); !ok {
			return fmt.Errorf("%w: placeholder list holds a non-placeholder value", ErrUnsanitized)
		}
	}
	free := []string{ev.Error}
	for _, w := range ev.Warnings {
		free = append(free, w.Detail)
	}
	if ev.Generation != nil {
		free = append(free, ev.Generation.Provider, ev.Generation.Model)
	}
	for _, s := range free {
		if redact.String(s) != s {
			return fmt.Errorf("%w: free text is not redacted", ErrUnsanitized)
		}
	}
	return nil
}

