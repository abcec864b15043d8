package log

import (
	"errors"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrTruncated is returned when a log ends inside an event, as happens when
// the writing process died mid-write. Events before it are intact.
var ErrTruncated = errors.New("protocol log truncated")

// Filter selects log events. Zero fields match everything.
type Filter struct {
	NodeID    string
	Service   string
	Role      *Role
	Direction *Direction
	Layer     *Layer
	Category  *Category

	// MessageID matches message events and state changes of that message.
	MessageID *uint32

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Matches reports whether event passes every criterion of f.
func (f *Filter) Matches(event Event) bool {
	switch {
	case f.NodeID != "" && event.NodeID != f.NodeID,
		f.Service != "" && event.Service != f.Service,
		f.Role != nil && event.LocalRole != *f.Role,
		f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category,
		f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	if f.MessageID != nil {
		return messageID(event) == *f.MessageID
	}
	return true
}

func messageID(event Event) uint32 {
	switch {
	case event.Message != nil:
		return event.Message.MessageID
	case event.StateChange != nil:
		return event.StateChange.MessageID
	default:
		return 0
	}
}

// Reader streams events out of a protocol log.
type Reader struct {
	src     io.ReadCloser
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader opens the log at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the log at path and yields only events that
// match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return NewStreamReader(f, filter), nil
}

// NewStreamReader reads events from src. Close closes src.
func NewStreamReader(src io.ReadCloser, filter Filter) *Reader {
	return &Reader{
		src:     src,
		decoder: NewDecoder(src),
		filter:  filter,
	}
}

// Next returns the next matching event, or io.EOF at the end of the log.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.decoder.Decode(&event)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Event{}, ErrTruncated
		default:
			return Event{}, err
		}
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// Events iterates over the remaining matching events. Iteration stops after
// the first error, which is yielded with a zero Event.
func (r *Reader) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if err == io.EOF {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// ReadAll returns every remaining matching event.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for event, err := range r.Events() {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Close closes the underlying source.
func (r *Reader) Close() error {
	return r.src.Close()
}
