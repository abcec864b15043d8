package commands

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/outcome"
)

func TestFilterOptionsBuild(t *testing.T) {
	filter, err := FilterOptions{
		Service:   "hello",
		MessageID: "0x10c8",
		TimeStart: "2026-03-02T10:00:00Z",
		Layer:     "service",
		Direction: "in",
		Category:  "message",
		Role:      "consumer",
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if filter.Service != "hello" {
		t.Errorf("Service = %q", filter.Service)
	}
	if filter.MessageID == nil || *filter.MessageID != 4296 {
		t.Errorf("MessageID = %v, want 4296", filter.MessageID)
	}
	if filter.TimeStart == nil || !filter.TimeStart.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("TimeStart = %v", filter.TimeStart)
	}
	if filter.TimeEnd != nil {
		t.Errorf("TimeEnd = %v, want nil", filter.TimeEnd)
	}
	if filter.Layer == nil || *filter.Layer != log.LayerService {
		t.Errorf("Layer = %v", filter.Layer)
	}
	if filter.Direction == nil || *filter.Direction != log.DirectionIn {
		t.Errorf("Direction = %v", filter.Direction)
	}
	if filter.Category == nil || *filter.Category != log.CategoryMessage {
		t.Errorf("Category = %v", filter.Category)
	}
	if filter.Role == nil || *filter.Role != log.RoleConsumer {
		t.Errorf("Role = %v", filter.Role)
	}
}

func TestFilterOptionsInvalid(t *testing.T) {
	tests := []FilterOptions{
		{MessageID: "hello"},
		{TimeStart: "yesterday"},
		{TimeEnd: "2026-03-02"},
		{Layer: "link"},
		{Direction: "both"},
		{Category: "control"},
		{Role: "broker"},
	}
	for _, opts := range tests {
		if _, err := opts.Build(); err == nil {
			t.Errorf("Build(%+v) succeeded, want error", opts)
		}
	}
}

func TestRunFilter(t *testing.T) {
	path := writeLog(t,
		responseEvent(testTime, "hello", outcome.RequestOK),
		responseEvent(testTime.Add(time.Minute), "hello", outcome.RequestOK),
		responseEvent(testTime, "clock", outcome.RequestOK),
	)
	out := filepath.Join(t.TempDir(), "filtered.slog")

	end := testTime.Add(time.Second)
	count, err := RunFilter(path, out, log.Filter{Service: "hello", TimeEnd: &end})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	r, err := log.NewReader(out)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()
	events, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 1 || events[0].Service != "hello" || !events[0].Timestamp.Equal(testTime) {
		t.Errorf("unexpected events: %+v", events)
	}
}
