package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/svclink/svclink/pkg/log"
)

// FilterOptions holds the textual filter flags shared by every command.
type FilterOptions struct {
	NodeID    string
	Service   string
	MessageID string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
	Role      string
}

// Build parses the options into a log.Filter.
func (o FilterOptions) Build() (log.Filter, error) {
	filter := log.Filter{
		NodeID:  o.NodeID,
		Service: o.Service,
	}

	if o.MessageID != "" {
		id, err := strconv.ParseUint(o.MessageID, 0, 32)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid message-id: %w", err)
		}
		v := uint32(id)
		filter.MessageID = &v
	}
	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := ParseLayer(o.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := ParseDirection(o.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := ParseCategory(o.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &c
	}
	if o.Role != "" {
		r, err := ParseRole(o.Role)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Role = &r
	}
	return filter, nil
}

// RunFilter copies the events of path that match filter into a new log file
// and returns how many were written.
func RunFilter(path, output string, filter log.Filter) (int, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}

	count := 0
	for event, err := range reader.Events() {
		if err != nil {
			logger.Close()
			return count, fmt.Errorf("failed to read event: %w", err)
		}
		logger.Log(event)
		count++
	}
	if err := logger.Close(); err != nil {
		return count, err
	}
	if n := logger.Errors(); n > 0 {
		return count, fmt.Errorf("%d events could not be written", n)
	}
	return count, nil
}
