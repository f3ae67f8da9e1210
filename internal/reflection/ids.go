package reflection

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// IDGenerator hands out captain's log entry ids of the form
//
//	CL-YYYYMMDD-HHMMSS-[trace8-]NNN
//
// where NNN is a three-digit sequence scoped to the (timestamp second,
// trace prefix) pair, so entries created in the same second for the same
// trace still get distinct ids.
type IDGenerator struct {
	mu   sync.Mutex
	seqs map[string]int
}

// NewIDGenerator creates an empty generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{seqs: make(map[string]int)}
}

// Next returns the next id for the given instant and trace.
func (g *IDGenerator) Next(now time.Time, traceID string) string {
	stamp := now.UTC().Format("20060102-150405")

	prefix := "CL-" + stamp
	if tp := tracePrefix(traceID); tp != "" {
		prefix += "-" + tp
	}

	g.mu.Lock()
	g.seqs[prefix]++
	seq := g.seqs[prefix]
	g.mu.Unlock()

	return fmt.Sprintf("%s-%03d", prefix, seq)
}

// tracePrefix returns the first eight characters of the trace id with
// dashes stripped, or "" for an empty trace.
func tracePrefix(traceID string) string {
	cleaned := strings.ReplaceAll(traceID, "-", "")
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 8 {
		cleaned = cleaned[:8]
	}
	return cleaned
}
