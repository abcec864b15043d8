package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/svclink/svclink/pkg/log"
)

// RunExport writes the matching events of path to output (stdout when
// empty) as jsonl or csv.
func RunExport(path, format, output string, filter log.Filter) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for event, err := range reader.Events() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{"timestamp", "node_id", "direction", "layer", "category", "role", "service", "endpoint", "peer", "type", "message_id", "seq", "outcome"}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for event, err := range reader.Events() {
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := cw.Write(csvRow(event)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(event log.Event) []string {
	eventType := "unknown"
	var msgID, seq, oc string
	switch {
	case event.Frame != nil:
		eventType = "frame"
	case event.Message != nil:
		eventType = event.Message.Kind.String()
		msgID = strconv.FormatUint(uint64(event.Message.MessageID), 10)
		seq = strconv.FormatUint(uint64(event.Message.Seq), 10)
		if event.Message.Outcome != nil {
			oc = event.Message.Outcome.String()
		}
	case event.StateChange != nil:
		eventType = "state"
	case event.Error != nil:
		eventType = "error"
	}

	return []string{
		event.Timestamp.UTC().Format(timeLayout),
		event.NodeID,
		event.Direction.String(),
		event.Layer.String(),
		event.Category.String(),
		event.LocalRole.String(),
		event.Service,
		event.Endpoint,
		event.Peer,
		eventType,
		msgID,
		seq,
		oc,
	}
}
