package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Record is one event read back from the local sink. Fixed keys are
// extracted; everything else stays in Fields.
type Record struct {
	Timestamp time.Time
	Level     string
	Event     string
	Component string
	TraceID   string
	SpanID    string
	Fields    map[string]any
}

// Filter narrows a query over the local event log.
type Filter struct {
	Event     string
	Component string
	TraceID   string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query scans the local JSONL segments under dir/logs and returns matching
// records sorted by timestamp. Rotated segments are included so a trace
// that straddles a rotation still reconstructs fully.
func Query(dir string, f Filter) ([]Record, error) {
	logsDir := filepath.Join(dir, "logs")
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read telemetry dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		recs, err := scanSegment(filepath.Join(logsDir, entry.Name()), f)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[len(records)-f.Limit:]
	}
	return records, nil
}

// Trace returns the full event timeline for one trace, oldest first.
func Trace(dir, traceID string) ([]Record, error) {
	return Query(dir, Filter{TraceID: traceID})
}

func scanSegment(path string, f Filter) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		rec, ok := parseLine(scanner.Bytes())
		if !ok {
			continue // torn write at rotation boundary
		}
		if !matches(rec, f) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan segment %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

func parseLine(line []byte) (Record, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, false
	}
	rec := Record{Fields: raw}
	if ts, ok := raw["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.Timestamp = t
		}
	}
	rec.Level, _ = raw["level"].(string)
	rec.Event, _ = raw["event"].(string)
	rec.Component, _ = raw["component"].(string)
	rec.TraceID, _ = raw["trace_id"].(string)
	rec.SpanID, _ = raw["span_id"].(string)
	return rec, true
}

func matches(r Record, f Filter) bool {
	if f.Event != "" && r.Event != f.Event {
		return false
	}
	if f.Component != "" && r.Component != f.Component {
		return false
	}
	if f.TraceID != "" && r.TraceID != f.TraceID {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}
