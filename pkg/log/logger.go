package log

import "time"

// Logger is the interface applications implement to receive protocol log events.
// Pass nil or NoopLogger to disable logging.
type Logger interface {
	// Log records a protocol event. Implementations must be thread-safe.
	// The event should be processed quickly or queued; blocking affects performance.
	Log(event Event)
}

// NoopLogger discards all events. Use when logging is disabled.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger if l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// MultiLogger sends events to multiple loggers.
// Useful when you want both console output (via SlogAdapter)
// and file output (via FileLogger) simultaneously.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a MultiLogger that sends events to all provided
// loggers. Nil loggers are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log sends the event to all configured loggers.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Recorder captures the fields shared by every event of one component and
// stamps them onto each logged event.
type Recorder struct {
	Logger    Logger
	NodeID    string
	LocalRole Role
	Service   string
	Endpoint  string
}

func (r Recorder) emit(e Event) {
	if r.Logger == nil {
		return
	}
	e.Timestamp = time.Now()
	e.NodeID = r.NodeID
	e.LocalRole = r.LocalRole
	e.Service = r.Service
	e.Endpoint = r.Endpoint
	r.Logger.Log(e)
}

// Message logs a protocol message at the service layer.
func (r Recorder) Message(dir Direction, peer string, m *MessageEvent) {
	r.emit(Event{
		Direction: dir,
		Layer:     LayerService,
		Category:  CategoryMessage,
		Peer:      peer,
		Message:   m,
	})
}

// State logs a state change.
func (r Recorder) State(s *StateChangeEvent) {
	r.emit(Event{
		Layer:       LayerService,
		Category:    CategoryState,
		StateChange: s,
	})
}

// Error logs an error.
func (r Recorder) Error(layer Layer, context string, err error) {
	r.emit(Event{
		Layer:    layer,
		Category: CategoryError,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: context,
		},
	})
}

// Compile-time interface satisfaction checks.
var (
	_ Logger = NoopLogger{}
	_ Logger = (*MultiLogger)(nil)
)
