package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	EventsByKind      map[wire.Kind]int
	Outcomes          map[outcome.Outcome]int
	Services          map[string]*ServiceStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ServiceStats holds statistics for one interface.
type ServiceStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Messages  int
	Errors    int
}

// Collect reads every event of path matching filter into Stats.
func Collect(path string, filter log.Filter) (*Stats, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		EventsByKind:      make(map[wire.Kind]int),
		Outcomes:          make(map[outcome.Outcome]int),
		Services:          make(map[string]*ServiceStats),
	}

	for event, err := range reader.Events() {
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}
	return stats, nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.Message != nil {
		s.EventsByKind[event.Message.Kind]++
		if event.Message.Outcome != nil {
			s.Outcomes[*event.Message.Outcome]++
		}
	}
	if event.Error != nil {
		s.Errors++
	}

	if event.Service == "" {
		return
	}
	svc, ok := s.Services[event.Service]
	if !ok {
		svc = &ServiceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Services[event.Service] = svc
	}
	svc.Events++
	if event.Timestamp.After(svc.LastSeen) {
		svc.LastSeen = event.Timestamp
	}
	if event.Message != nil {
		svc.Messages++
	}
	if event.Error != nil {
		svc.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	stats, err := Collect(path, filter)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== svclink Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-16s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.EventsByKind) > 0 {
		fmt.Fprintln(w, "Messages by Kind:")
		for _, k := range []wire.Kind{wire.KindRequest, wire.KindNotifyRequest, wire.KindResponse, wire.KindNotification} {
			if count := stats.EventsByKind[k]; count > 0 {
				fmt.Fprintf(w, "  %-16s %d\n", k.String()+":", count)
			}
		}
		fmt.Fprintln(w)
	}

	if len(stats.Outcomes) > 0 {
		codes := make([]outcome.Outcome, 0, len(stats.Outcomes))
		for oc := range stats.Outcomes {
			codes = append(codes, oc)
		}
		sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
		fmt.Fprintln(w, "Outcomes:")
		for _, oc := range codes {
			fmt.Fprintf(w, "  %-24s %d\n", oc.String()+":", stats.Outcomes[oc])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Services: %d\n", len(stats.Services))
	if len(stats.Services) > 0 {
		names := make([]string, 0, len(stats.Services))
		for name := range stats.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			svc := stats.Services[name]
			duration := svc.LastSeen.Sub(svc.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  %s: %d events, %d messages, duration %s\n", name, svc.Events, svc.Messages, duration)
			if svc.Errors > 0 {
				fmt.Fprintf(w, "           Errors: %d\n", svc.Errors)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
