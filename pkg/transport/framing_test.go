package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/metrics"
)

func TestFrameWriterReader(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"small frame", []byte("hello")},
		{"medium frame", bytes.Repeat([]byte("x"), 1000)},
		{"max size frame", bytes.Repeat([]byte("y"), DefaultMaxFrameSize)},
		{"single byte", []byte{0x42}},
		{"binary data", []byte{0x00, 0xFF, 0x7F, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)

			writer := NewFrameWriter(buf)
			if err := writer.WriteFrame(tt.payload); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if want := FrameSize(len(tt.payload)); buf.Len() != want {
				t.Errorf("frame size = %d, want %d", buf.Len(), want)
			}

			got, err := NewFrameReader(buf).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got), len(tt.payload))
			}
		})
	}
}

func TestFrameWriterEmptyFrame(t *testing.T) {
	writer := NewFrameWriter(new(bytes.Buffer))

	if err := writer.WriteFrame([]byte{}); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("expected ErrFrameEmpty, got %v", err)
	}
	if err := writer.WriteFrame(nil); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("expected ErrFrameEmpty for nil, got %v", err)
	}
}

func TestFrameWriterFrameTooLarge(t *testing.T) {
	writer := NewFrameWriterWithMaxSize(new(bytes.Buffer), 100)

	err := writer.WriteFrame(bytes.Repeat([]byte("x"), 101))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func writeLength(buf *bytes.Buffer, n uint32) {
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], n)
	buf.Write(lengthBuf[:])
}

func TestFrameReaderErrors(t *testing.T) {
	tests := []struct {
		name    string
		build   func(*bytes.Buffer)
		maxSize uint32
		want    error
	}{
		{
			name: "too large",
			build: func(b *bytes.Buffer) {
				writeLength(b, 1000)
				b.Write(bytes.Repeat([]byte("x"), 1000))
			},
			maxSize: 100,
			want:    ErrFrameTooLarge,
		},
		{
			name:  "zero length",
			build: func(b *bytes.Buffer) { writeLength(b, 0) },
			want:  ErrFrameEmpty,
		},
		{
			name:  "truncated length",
			build: func(b *bytes.Buffer) { b.Write([]byte{0x00, 0x01}) },
			want:  ErrFrameTruncated,
		},
		{
			name: "truncated payload",
			build: func(b *bytes.Buffer) {
				writeLength(b, 100)
				b.Write(bytes.Repeat([]byte("x"), 50))
			},
			want: ErrFrameTruncated,
		},
		{
			name:  "eof",
			build: func(*bytes.Buffer) {},
			want:  io.EOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			tt.build(buf)
			maxSize := tt.maxSize
			if maxSize == 0 {
				maxSize = DefaultMaxFrameSize
			}
			_, err := NewFrameReaderWithMaxSize(buf, maxSize).ReadFrame()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFramerBidirectional(t *testing.T) {
	r, w := io.Pipe()
	defer r.Close()
	defer w.Close()

	done := make(chan struct{})
	payload := []byte("test frame")

	go func() {
		defer close(done)
		framer := NewFramer(&readWriter{r: r, w: w})
		if err := framer.WriteFrame(payload); err != nil {
			t.Errorf("WriteFrame failed: %v", err)
		}
	}()

	framer := NewFramer(&readWriter{r: r, w: w})
	got, err := framer.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch")
	}

	<-done
}

// readWriter combines a reader and writer for testing.
type readWriter struct {
	r io.Reader
	w io.Writer
}

func (rw *readWriter) Read(p []byte) (n int, err error) {
	return rw.r.Read(p)
}

func (rw *readWriter) Write(p []byte) (n int, err error) {
	return rw.w.Write(p)
}

func TestMultipleFrames(t *testing.T) {
	buf := new(bytes.Buffer)
	writer := NewFrameWriter(buf)

	frames := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, f := range frames {
		if err := writer.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	reader := NewFrameReader(buf)
	for i, want := range frames {
		got, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d mismatch: got %q, want %q", i, got, want)
		}
	}

	if _, err := reader.ReadFrame(); err != io.EOF {
		t.Errorf("expected EOF after all frames, got %v", err)
	}
}

func TestFrameSize(t *testing.T) {
	if got := FrameSize(100); got != 104 {
		t.Errorf("FrameSize(100) = %d, want 104", got)
	}
	if got := FrameSize(0); got != 4 {
		t.Errorf("FrameSize(0) = %d, want 4", got)
	}
}

// capturingLogger captures log events for testing.
type capturingLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *capturingLogger) Log(event log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *capturingLogger) Events() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func TestFramerLogsFrames(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := &capturingLogger{}

	framer := NewFramer(buf)
	framer.SetLogger(logger, "node-1", "10.0.0.2:7400")

	payload := []byte("hello")
	if err := framer.WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	events := logger.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Direction != log.DirectionOut || events[1].Direction != log.DirectionIn {
		t.Errorf("directions = %v, %v; want OUT, IN", events[0].Direction, events[1].Direction)
	}
	for _, e := range events {
		if e.NodeID != "node-1" {
			t.Errorf("NodeID = %q, want %q", e.NodeID, "node-1")
		}
		if e.Peer != "10.0.0.2:7400" {
			t.Errorf("Peer = %q", e.Peer)
		}
		if e.Layer != log.LayerTransport {
			t.Errorf("Layer = %v, want LayerTransport", e.Layer)
		}
		if e.Frame == nil {
			t.Fatal("Frame is nil")
		}
		if e.Frame.Size != FrameSize(len(payload)) {
			t.Errorf("Frame.Size = %d, want %d", e.Frame.Size, FrameSize(len(payload)))
		}
		if !bytes.Equal(e.Frame.Data, payload) {
			t.Errorf("Frame.Data = %v, want %v", e.Frame.Data, payload)
		}
	}
}

func TestFramerNoLoggerNoPanic(t *testing.T) {
	buf := new(bytes.Buffer)
	framer := NewFramer(buf)
	framer.SetLogger(nil, "", "")

	if err := framer.WriteFrame([]byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
}

func TestFramerLogsTruncatedData(t *testing.T) {
	logger := &capturingLogger{}
	framer := NewFramer(new(bytes.Buffer))
	framer.SetLogger(logger, "node-1", "peer")

	large := bytes.Repeat([]byte("x"), log.MaxFrameData+100)
	if err := framer.WriteFrame(large); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	events := logger.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Frame.Size != FrameSize(len(large)) {
		t.Errorf("Frame.Size = %d, want %d", e.Frame.Size, FrameSize(len(large)))
	}
	if len(e.Frame.Data) != log.MaxFrameData {
		t.Errorf("Frame.Data length = %d, want %d", len(e.Frame.Data), log.MaxFrameData)
	}
	if !e.Frame.Truncated {
		t.Error("Frame.Truncated = false, want true")
	}
}

func TestFramerCountsFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	framer := NewFramer(new(bytes.Buffer))
	framer.SetMetrics(m)

	if err := framer.WriteFrame([]byte("abc")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if _, err := framer.ReadFrame(); err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	n, err := testutil.GatherAndCount(reg, "svclink_transport_frames_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("frame series = %d, want 2 (one per direction)", n)
	}
}
