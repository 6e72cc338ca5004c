// Package classifier lifts sentinel-prefixed stdout lines into metric/vis
// events, and scans stderr for OOM patterns and traceback loci. It is
// invoked synchronously from the supervisor's per-line callbacks.
package classifier

import (
	"encoding/json"
	"regexp"
	"strings"
)

const (
	metricPrefix = "__METRIC__"
	visPrefix    = "__VIS__"
)

// MetricEvent is the decoded payload of a __METRIC__ sentinel line.
type MetricEvent struct {
	Name  string
	Value interface{}
	Step  int
}

// TryMetric attempts to decode a stdout line as a metric sentinel. ok is
// false (and the caller should treat line as ordinary stdout) unless the
// trimmed line starts with __METRIC__ and the remainder parses as a JSON
// object carrying at least {"name","value"}.
func TryMetric(line string) (MetricEvent, bool) {
	rest, matched := stripSentinel(line, metricPrefix)
	if !matched {
		return MetricEvent{}, false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(rest), &obj); err != nil {
		return MetricEvent{}, false
	}
	name, ok := obj["name"].(string)
	if !ok {
		return MetricEvent{}, false
	}
	value, hasValue := obj["value"]
	if !hasValue {
		return MetricEvent{}, false
	}

	step := 0
	if raw, ok := obj["step"]; ok {
		switch n := raw.(type) {
		case float64:
			step = int(n)
		}
	}
	return MetricEvent{Name: name, Value: value, Step: step}, true
}

// TryVis attempts to decode a stdout line as a __VIS__ sentinel (the
// supplemental visualization channel carried over from the original
// implementation). Failure modes mirror TryMetric exactly.
func TryVis(line string) (interface{}, bool) {
	rest, matched := stripSentinel(line, visPrefix)
	if !matched {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(rest), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripSentinel trims the line, checks for the given prefix, and strips an
// optional leading ":" before returning the remainder.
func stripSentinel(line, prefix string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, prefix) {
		return "", false
	}
	rest := strings.TrimSpace(trimmed[len(prefix):])
	rest = strings.TrimPrefix(rest, ":")
	rest = strings.TrimSpace(rest)
	return rest, true
}

// oomPatterns are matched case-insensitively against stderr lines.
var oomPatterns = []string{
	"out of memory",
	"cuda out of memory",
	"cublas_status_alloc_failed",
	"resource exhausted",
}

// IsOOM reports whether line matches any known out-of-memory pattern.
func IsOOM(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range oomPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// tracebackLine matches Python's traceback frame format:
//
//	  File "<path>", line <n>, in <...>
var tracebackLine = regexp.MustCompile(`File "([^"]+)", line (\d+), in `)

// TracebackLocus extracts a "path:line" locus from a stderr line shaped like
// a Python traceback frame. ok is false if the line doesn't match.
func TracebackLocus(line string) (locus string, ok bool) {
	m := tracebackLine.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1] + ":" + m[2], true
}
