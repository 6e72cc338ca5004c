// Package wire defines the outbound event union and inbound frame union
// exchanged with a session's peer, plus the JSON framing used to encode them.
package wire

import "encoding/json"

// Outbound event type tags.
const (
	TypeHello      = "hello"
	TypeStart      = "start"
	TypeStdout     = "stdout"
	TypeStderr     = "stderr"
	TypeMetric     = "metric"
	TypeVis        = "vis"
	TypeHw         = "hw"
	TypeOom        = "oom"
	TypeDone       = "done"
	TypeError      = "error"
	TypeSystemInfo = "system_info"
)

// Hello greets a newly connected peer.
type Hello struct {
	Type       string `json:"type"`
	Python     string `json:"python"`
	Executable string `json:"executable"`
}

func NewHello(python, executable string) Hello {
	return Hello{Type: TypeHello, Python: python, Executable: executable}
}

// SystemInfo carries an implementation-defined inventory snapshot.
type SystemInfo struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewSystemInfo(data interface{}) SystemInfo {
	return SystemInfo{Type: TypeSystemInfo, Data: data}
}

// Start announces that a run has been accepted and assigned an id.
type Start struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

func NewStart(runID string) Start {
	return Start{Type: TypeStart, RunID: runID}
}

// Stdout carries one whole line (including its trailing newline) from the
// child's standard output.
type Stdout struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Data  string `json:"data"`
}

func NewStdout(runID, data string) Stdout {
	return Stdout{Type: TypeStdout, RunID: runID, Data: data}
}

// Stderr carries one whole line from the child's standard error.
type Stderr struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Data  string `json:"data"`
}

func NewStderr(runID, data string) Stderr {
	return Stderr{Type: TypeStderr, RunID: runID, Data: data}
}

// Metric is lifted from a __METRIC__-prefixed stdout line.
type Metric struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
	Step  int         `json:"step"`
}

func NewMetric(runID, name string, value interface{}, step int) Metric {
	return Metric{Type: TypeMetric, RunID: runID, Name: name, Value: value, Step: step}
}

// Vis is lifted from a __VIS__-prefixed stdout line (supplemental sentinel,
// carried over from the original implementation's visualization channel).
type Vis struct {
	Type  string      `json:"type"`
	RunID string      `json:"run_id"`
	Data  interface{} `json:"data"`
}

func NewVis(runID string, data interface{}) Vis {
	return Vis{Type: TypeVis, RunID: runID, Data: data}
}

// GpuSnapshot is one GPU's telemetry sample.
type GpuSnapshot struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	UtilizationGpu int    `json:"utilization_gpu"`
	MemoryUsedMB   int    `json:"memory_used_mb"`
	MemoryTotalMB  int    `json:"memory_total_mb"`
	TemperatureC   int    `json:"temperature_c"`
}

// CpuSnapshot is the host CPU's telemetry sample.
type CpuSnapshot struct {
	Utilization float64  `json:"utilization"`
	TempC       *float64 `json:"temp_c,omitempty"`
}

// Hw is one hardware-telemetry tick.
type Hw struct {
	Type  string        `json:"type"`
	TsMs  int64         `json:"ts_ms"`
	Gpus  []GpuSnapshot `json:"gpus"`
	Cpu   CpuSnapshot   `json:"cpu"`
	Error string        `json:"error,omitempty"`
}

func NewHw(tsMs int64, gpus []GpuSnapshot, cpu CpuSnapshot, errMsg string) Hw {
	if gpus == nil {
		gpus = []GpuSnapshot{}
	}
	return Hw{Type: TypeHw, TsMs: tsMs, Gpus: gpus, Cpu: cpu, Error: errMsg}
}

// Oom is emitted at most once per run on the first OOM-pattern match.
type Oom struct {
	Type           string   `json:"type"`
	RunID          string   `json:"run_id"`
	Message        string   `json:"message"`
	LikelyLocation string   `json:"likely_location,omitempty"`
	Suggestions    []string `json:"suggestions"`
}

// Suggestions is the fixed, ordered OOM remediation list delivered verbatim.
var Suggestions = []string{
	"reduce batch size",
	"enable mixed precision",
	"gradient accumulation",
	"reduce input resolution/sequence length",
	"activation checkpointing",
	"free unused tensors and cache",
	"offload/chunk large tensors",
}

func NewOom(runID, message, likelyLocation string) Oom {
	return Oom{Type: TypeOom, RunID: runID, Message: message, LikelyLocation: likelyLocation, Suggestions: Suggestions}
}

// Done is the terminal event for a run that reached a child exit, timeout,
// or cancellation.
type Done struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	ExitCode  *int   `json:"exit_code"`
	TimedOut  bool   `json:"timed_out"`
	Cancelled bool   `json:"cancelled"`
}

func NewDone(runID string, exitCode *int, timedOut, cancelled bool) Done {
	return Done{Type: TypeDone, RunID: runID, ExitCode: exitCode, TimedOut: timedOut, Cancelled: cancelled}
}

// Error reports a failure that is not associated with any terminal done
// event (malformed frame, rejected submission, pre-run failure).
type Error struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	RunID   *string `json:"run_id"`
}

func NewError(message string, runID *string) Error {
	return Error{Type: TypeError, Message: message, RunID: runID}
}

// Marshal encodes an outbound event as UTF-8 JSON without escaping
// non-ASCII characters.
func Marshal(event interface{}) ([]byte, error) {
	var buf jsonBuffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(event); err != nil {
		return nil, err
	}
	// encoding/json's Encoder.Encode appends a trailing newline; strip it so
	// callers control framing.
	b := buf.Bytes()
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	return b, nil
}

type jsonBuffer struct {
	b []byte
}

func (j *jsonBuffer) Write(p []byte) (int, error) {
	j.b = append(j.b, p...)
	return len(p), nil
}

func (j *jsonBuffer) Bytes() []byte { return j.b }
