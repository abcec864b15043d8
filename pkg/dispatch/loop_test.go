package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/wire"
)

type recordingReceiver struct {
	mu   sync.Mutex
	ids  []msgid.ID
	seen chan struct{}
	fail bool
}

func newReceiver() *recordingReceiver {
	return &recordingReceiver{seen: make(chan struct{}, 128)}
}

func (r *recordingReceiver) OnEvent(ev wire.Event) {
	r.mu.Lock()
	r.ids = append(r.ids, ev.MessageID())
	fail := r.fail
	r.mu.Unlock()
	r.seen <- struct{}{}
	if fail {
		panic("receiver failure")
	}
}

func (r *recordingReceiver) waitFor(t *testing.T, n int) []msgid.ID {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.seen:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]msgid.ID(nil), r.ids...)
}

func request(id msgid.ID) wire.Event {
	a := wire.NewAddress(uuid.New(), "Test", "")
	return wire.NewRequest(id, 1, a, a)
}

func startLoop(t *testing.T, r *recordingReceiver) *Loop {
	t.Helper()
	l := New(Config{Name: "test", Receiver: r, Tracer: noop.NewTracerProvider().Tracer("test")})
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

func TestLoopDeliversInOrder(t *testing.T) {
	r := newReceiver()
	l := startLoop(t, r)

	var want []msgid.ID
	for i := 0; i < 50; i++ {
		id := msgid.ID(100 + i)
		want = append(want, id)
		require.NoError(t, l.Post(request(id)))
	}
	assert.Equal(t, want, r.waitFor(t, len(want)))
}

func TestLoopQueuesBeforeStart(t *testing.T) {
	r := newReceiver()
	l := New(Config{Name: "late", Receiver: r})
	require.NoError(t, l.Post(request(100)))
	require.NoError(t, l.Post(request(101)))
	assert.Equal(t, 2, l.Len())

	require.NoError(t, l.Start(context.Background()))
	defer l.Stop()
	assert.Equal(t, []msgid.ID{100, 101}, r.waitFor(t, 2))
	assert.ErrorIs(t, l.Start(context.Background()), ErrRunning)
}

func TestLoopRunInterleavesWithEvents(t *testing.T) {
	r := newReceiver()
	l := startLoop(t, r)

	var order []string
	require.NoError(t, l.Post(request(100)))
	require.NoError(t, l.Run(func() { order = append(order, "fn") }))
	require.NoError(t, l.Post(request(101)))

	r.waitFor(t, 2)
	require.NoError(t, l.Call(context.Background(), func() {
		order = append(order, "call")
	}))
	assert.Equal(t, []string{"fn", "call"}, order)
}

func TestLoopSurvivesPanics(t *testing.T) {
	r := newReceiver()
	r.fail = true
	l := startLoop(t, r)

	require.NoError(t, l.Post(request(100)))
	require.NoError(t, l.Run(func() { panic("closure failure") }))
	require.NoError(t, l.Post(request(101)))
	assert.Equal(t, []msgid.ID{100, 101}, r.waitFor(t, 2))
}

func TestLoopStop(t *testing.T) {
	r := newReceiver()
	l := New(Config{Name: "stop", Receiver: r})
	require.NoError(t, l.Start(context.Background()))

	l.Stop()
	<-l.Done()
	assert.ErrorIs(t, l.Post(request(100)), ErrStopped)
	assert.ErrorIs(t, l.Run(func() {}), ErrStopped)
	assert.ErrorIs(t, l.Call(context.Background(), func() {}), ErrStopped)
	assert.ErrorIs(t, l.Start(context.Background()), ErrStopped)

	// Stopping twice is fine.
	l.Stop()
}

func TestLoopStopRunsQueuedItems(t *testing.T) {
	r := newReceiver()
	l := New(Config{Name: "drain", Receiver: r, Tracer: noop.NewTracerProvider().Tracer("test")})
	require.NoError(t, l.Start(context.Background()))

	release := make(chan struct{})
	require.NoError(t, l.Run(func() { <-release }))
	require.NoError(t, l.Post(request(100)))
	require.NoError(t, l.Post(request(101)))

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	l.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []msgid.ID{100, 101}, r.ids)
	assert.Equal(t, 0, l.Len())
}

func TestLoopStopBeforeStart(t *testing.T) {
	l := New(Config{Name: "idle", Receiver: newReceiver()})
	require.NoError(t, l.Post(request(100)))
	l.Stop()
	assert.Equal(t, 0, l.Len())
	<-l.Done()
}

func TestLoopContextCancel(t *testing.T) {
	l := New(Config{Name: "ctx", Receiver: newReceiver()})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()

	select {
	case <-l.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
	l.Stop()
}

func TestLoopCallHonorsContext(t *testing.T) {
	l := New(Config{Name: "never", Receiver: newReceiver()})
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Call(ctx, func() {}), context.DeadlineExceeded)
}

func TestPostWithoutReceiver(t *testing.T) {
	l := New(Config{Name: "bare"})
	defer l.Stop()
	assert.Error(t, l.Post(request(100)))
	assert.NoError(t, l.Run(func() {}))
}
