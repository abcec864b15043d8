package log

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/wire"
)

func createTestLogFile(t *testing.T, events []Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.slog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("failed to create test log: %v", err)
	}
	for _, e := range events {
		logger.Log(e)
	}
	logger.Close()

	return path
}

func TestFileLoggerWritesCBOR(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.slog")

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	event := Event{
		Timestamp: time.Now(),
		NodeID:    "node-123",
		Direction: DirectionIn,
		Layer:     LayerTransport,
		Category:  CategoryMessage,
		Frame:     &FrameEvent{Size: 100, Data: []byte{1, 2, 3}},
	}
	logger.Log(event)
	logger.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}

	if decoded.NodeID != event.NodeID {
		t.Errorf("NodeID: got %q, want %q", decoded.NodeID, event.NodeID)
	}
	if decoded.Frame == nil || decoded.Frame.Size != 100 {
		t.Errorf("Frame: got %+v", decoded.Frame)
	}
	if !decoded.Timestamp.Equal(event.Timestamp) {
		t.Errorf("Timestamp: got %v, want %v", decoded.Timestamp, event.Timestamp)
	}
}

func TestFileLoggerIgnoresLogAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.slog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	logger.Log(Event{NodeID: "late"})

	info, _ := os.Stat(path)
	if info.Size() != 0 {
		t.Errorf("file size = %d, want 0", info.Size())
	}
}

func TestFileLoggerConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.slog")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Log(Event{Timestamp: time.Now(), Category: CategoryState})
			}
		}()
	}
	wg.Wait()
	logger.Close()

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	events, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 200 {
		t.Errorf("got %d events, want 200", len(events))
	}
	if logger.Errors() != 0 {
		t.Errorf("Errors() = %d, want 0", logger.Errors())
	}
}

func TestReaderFilters(t *testing.T) {
	in, out := DirectionIn, DirectionOut
	state := CategoryState
	id := uint32(msgid.RequestFirst)
	start := time.Now()

	events := []Event{
		{Timestamp: start, NodeID: "a", Service: "Hello", Direction: in, Category: CategoryMessage,
			Message: &MessageEvent{Kind: wire.KindRequest, MessageID: id}},
		{Timestamp: start.Add(time.Second), NodeID: "a", Service: "Other", Direction: out, Category: CategoryMessage,
			Message: &MessageEvent{Kind: wire.KindResponse, MessageID: uint32(msgid.ResponseFirst)}},
		{Timestamp: start.Add(2 * time.Second), NodeID: "b", Direction: in, Category: state,
			StateChange: &StateChangeEvent{Entity: StateEntityService, NewState: "CONNECTED"}},
	}
	path := createTestLogFile(t, events)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"node", Filter{NodeID: "a"}, 2},
		{"service", Filter{Service: "Hello"}, 1},
		{"direction", Filter{Direction: &out}, 1},
		{"category", Filter{Category: &state}, 1},
		{"message id", Filter{MessageID: &id}, 1},
		{"time window", Filter{TimeStart: ptr(start.Add(time.Second)), TimeEnd: ptr(start.Add(2 * time.Second))}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatalf("NewFilteredReader failed: %v", err)
			}
			defer reader.Close()

			got, err := reader.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestReaderEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)
	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Next(); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
}

func TestReaderRoleAndStateMessageID(t *testing.T) {
	consumer := RoleConsumer
	id := uint32(msgid.RequestFirst)
	path := createTestLogFile(t, []Event{
		{LocalRole: RoleProvider, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityRequest, NewState: "BUSY", MessageID: id}},
		{LocalRole: RoleConsumer, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityService, NewState: "CONNECTED"}},
	})

	reader, err := NewFilteredReader(path, Filter{MessageID: &id})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	got, err := reader.ReadAll()
	reader.Close()
	if err != nil || len(got) != 1 || got[0].StateChange.NewState != "BUSY" {
		t.Errorf("message id filter: got %+v, %v", got, err)
	}

	reader, err = NewFilteredReader(path, Filter{Role: &consumer})
	if err != nil {
		t.Fatalf("NewFilteredReader failed: %v", err)
	}
	got, err = reader.ReadAll()
	reader.Close()
	if err != nil || len(got) != 1 || got[0].LocalRole != RoleConsumer {
		t.Errorf("role filter: got %+v, %v", got, err)
	}
}

func TestReaderTruncatedLog(t *testing.T) {
	path := createTestLogFile(t, []Event{
		{NodeID: "first", Category: CategoryState, StateChange: &StateChangeEvent{NewState: "A"}},
		{NodeID: "second", Category: CategoryState, StateChange: &StateChangeEvent{NewState: "B"}},
	})
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	reader, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer reader.Close()

	events, err := reader.ReadAll()
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("ReadAll error = %v, want ErrTruncated", err)
	}
	if len(events) != 1 || events[0].NodeID != "first" {
		t.Errorf("got %+v, want the first event only", events)
	}
}

func TestReaderEventsStopsEarly(t *testing.T) {
	var buf bytes.Buffer
	enc := NewStreamLogger(nopCloser{&buf})
	for i := 0; i < 5; i++ {
		enc.Log(Event{Category: CategoryError, Error: &ErrorEventData{Message: "x"}})
	}
	enc.Close()

	reader := NewStreamReader(io.NopCloser(&buf), Filter{})
	n := 0
	for _, err := range reader.Events() {
		if err != nil {
			t.Fatalf("Events error: %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}
	rest, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if n != 2 || len(rest) != 3 {
		t.Errorf("read %d then %d events, want 2 then 3", n, len(rest))
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestNewMessageEvent(t *testing.T) {
	node := uuid.New()
	from := wire.NewAddress(node, "Hello", "p")
	to := wire.NewAddress(node, "Hello", "c")

	m := NewMessageEvent(wire.NewResponse(msgid.ResponseFirst, 3, from, to, outcome.RequestBusy))
	if m.Kind != wire.KindResponse || m.Seq != 3 {
		t.Errorf("unexpected message event %+v", m)
	}
	if m.Outcome == nil || *m.Outcome != outcome.RequestBusy {
		t.Errorf("Outcome: got %v", m.Outcome)
	}

	m = NewMessageEvent(wire.NewNotifyRequest(msgid.AttributeFirst, wire.StopNotify, to, from, false))
	if m.NotifyAction == nil || *m.NotifyAction != wire.StopNotify {
		t.Errorf("NotifyAction: got %v", m.NotifyAction)
	}
}

func TestNewFrameEventTruncates(t *testing.T) {
	big := make([]byte, MaxFrameData+10)
	fe := NewFrameEvent(big, len(big)+4)
	if !fe.Truncated || len(fe.Data) != MaxFrameData {
		t.Errorf("got truncated=%v len=%d", fe.Truncated, len(fe.Data))
	}
	if fe.Size != len(big)+4 {
		t.Errorf("Size = %d", fe.Size)
	}

	fe = NewFrameEvent([]byte{1, 2}, 6)
	if fe.Truncated || len(fe.Data) != 2 {
		t.Errorf("got truncated=%v len=%d", fe.Truncated, len(fe.Data))
	}
}

func ptr[T any](v T) *T { return &v }
