// Package dispatch provides the default dispatch context for protocol
// engines: one goroutine per engine draining an unbounded FIFO queue.
//
// Every event and closure posted to a Loop runs on the loop goroutine, in
// the order it was posted, one at a time. Engines are not safe for
// concurrent use, so all access to an engine goes through its Loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/svclink/svclink/pkg/metrics"
	"github.com/svclink/svclink/pkg/transport"
	"github.com/svclink/svclink/pkg/wire"
)

// TracerName names the tracer used for event spans.
const TracerName = "github.com/svclink/svclink/pkg/dispatch"

// Loop errors.
var (
	ErrStopped = errors.New("dispatch loop stopped")
	ErrRunning = errors.New("dispatch loop already running")
)

// Config configures a Loop.
type Config struct {
	// Name identifies the loop in logs, metrics and spans.
	Name string

	// Receiver gets every posted event. Required for Post.
	Receiver transport.Receiver

	// Logger is the optional logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics records the queue depth. Optional.
	Metrics *metrics.Collector

	// Tracer overrides the global OpenTelemetry tracer.
	Tracer trace.Tracer
}

// item is one queued unit of work: an event or a closure.
type item struct {
	ev wire.Event
	fn func()
}

// Loop is a single-threaded dispatch context.
type Loop struct {
	name     string
	receiver transport.Receiver
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer

	mu      sync.Mutex
	queue   []item
	wake    chan struct{}
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped loop.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &Loop{
		name:     cfg.Name,
		receiver: cfg.Receiver,
		logger:   logger.With("component", "dispatch", "loop", cfg.Name),
		metrics:  cfg.Metrics,
		tracer:   tracer,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Post queues ev for the receiver. It never blocks.
func (l *Loop) Post(ev wire.Event) error {
	if l.receiver == nil {
		return fmt.Errorf("loop %s: no receiver", l.name)
	}
	return l.enqueue(item{ev: ev})
}

// Run queues fn to run on the loop goroutine.
func (l *Loop) Run(fn func()) error {
	return l.enqueue(item{fn: fn})
}

// Call runs fn on the loop goroutine and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Run(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// fn may have run just before the loop exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) enqueue(it item) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, it)
	depth := len(l.queue)
	l.mu.Unlock()

	l.metrics.SetQueueDepth(l.name, depth)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued items.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Start runs the loop until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return ErrStopped
	}
	if l.running {
		return ErrRunning
	}
	l.running = true
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
	return nil
}

// Stop refuses further posts, runs the items already queued and waits for
// the loop to exit. Stop on a loop that never started drops its queue.
// Stop must not be called from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	cancel := l.cancel
	if cancel == nil {
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		if dropped > 0 {
			l.logger.Debug("dropping queued items", "count", dropped)
		}
		l.metrics.SetQueueDepth(l.name, 0)
		close(l.done)
		return
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	cancel()
}

// Done is closed when the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		it, ok := l.next()
		if !ok {
			if l.isStopped() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		l.execute(ctx, it)
	}
}

func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) next() (item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return item{}, false
	}
	it := l.queue[0]
	l.queue[0] = item{}
	l.queue = l.queue[1:]
	depth := len(l.queue)
	if depth == 0 {
		l.queue = nil
	}
	l.metrics.SetQueueDepth(l.name, depth)
	return it, true
}

func (l *Loop) execute(ctx context.Context, it item) {
	if it.fn != nil {
		defer l.recoverPanic(nil)
		it.fn()
		return
	}

	_, span := l.tracer.Start(ctx, "svclink.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("svclink.loop", l.name),
			attribute.String("svclink.event", wire.Describe(it.ev)),
			attribute.Int64("svclink.message_id", int64(it.ev.MessageID())),
			attribute.Int64("svclink.seq", int64(it.ev.Sequence())),
		),
	)
	defer span.End()
	defer l.recoverPanic(span)
	l.receiver.OnEvent(it.ev)
}

func (l *Loop) recoverPanic(span trace.Span) {
	r := recover()
	if r == nil {
		return
	}
	l.logger.Error("dispatch panic", "panic", r)
	if span != nil {
		span.SetStatus(codes.Error, fmt.Sprint(r))
	}
}
