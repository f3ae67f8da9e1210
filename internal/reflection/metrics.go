// Package reflection builds the post-request captain's log: deterministic
// metric extraction from the request monitor, a telemetry digest for the
// trace, and an LLM-authored rationale with fallbacks when the model is
// unavailable or unparsable.
package reflection

import (
	"fmt"

	"github.com/skipperhq/skipper/internal/monitor"
)

// Metric is one typed measurement attached to a reflection entry.
type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ExtractMetrics converts a monitor summary into human-readable strings
// and typed metrics. Output order is fixed: duration, cpu, memory, gpu,
// samples, violations, then peaks. No model is involved; the same summary
// always yields the same output.
func ExtractMetrics(s monitor.Summary) ([]string, []Metric) {
	var lines []string
	var metrics []Metric
	add := func(line string, m Metric) {
		lines = append(lines, line)
		metrics = append(metrics, m)
	}

	add(fmt.Sprintf("duration: %.1fs", s.DurationSeconds),
		Metric{Name: "duration", Value: s.DurationSeconds, Unit: "s"})
	add(fmt.Sprintf("cpu: %.1f%%", s.CPU.Avg),
		Metric{Name: "cpu", Value: s.CPU.Avg, Unit: "%"})
	add(fmt.Sprintf("memory: %.1f%%", s.Memory.Avg),
		Metric{Name: "memory", Value: s.Memory.Avg, Unit: "%"})
	if s.GPU != nil {
		add(fmt.Sprintf("gpu: %.1f%%", s.GPU.Avg),
			Metric{Name: "gpu", Value: s.GPU.Avg, Unit: "%"})
	}
	add(fmt.Sprintf("samples: %d", s.SamplesCollected),
		Metric{Name: "samples", Value: float64(s.SamplesCollected)})
	add(fmt.Sprintf("violations: %d", len(s.Violations)),
		Metric{Name: "violations", Value: float64(len(s.Violations))})

	add(fmt.Sprintf("cpu_peak: %.1f%%", s.CPU.Max),
		Metric{Name: "cpu_peak", Value: s.CPU.Max, Unit: "%"})
	add(fmt.Sprintf("memory_peak: %.1f%%", s.Memory.Max),
		Metric{Name: "memory_peak", Value: s.Memory.Max, Unit: "%"})
	if s.GPU != nil {
		add(fmt.Sprintf("gpu_peak: %.1f%%", s.GPU.Max),
			Metric{Name: "gpu_peak", Value: s.GPU.Max, Unit: "%"})
	}
	return lines, metrics
}
