// Package gpu reads accelerator utilization by shelling out to nvidia-smi
// and parsing its CSV output with the standard library; no GPU telemetry
// library appears anywhere in the reference corpus, so this is the one
// component of the hardware probe that talks to an external binary directly
// instead of a Go client library.
package gpu

import (
	"context"
	"encoding/csv"
	"errors"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one GPU's state at sample time.
type Snapshot struct {
	Index       int
	Name        string
	UtilPercent float64
	MemUsedMiB  float64
	MemTotalMiB float64
	TempC       float64
}

const queryFields = "index,name,utilization.gpu,memory.used,memory.total,temperature.gpu"

// ErrNoGPU is returned when nvidia-smi is not on PATH, the expected case on
// hosts without an NVIDIA accelerator.
var ErrNoGPU = errors.New("nvidia-smi not found")

// Probe runs nvidia-smi and returns one Snapshot per visible device. Timeout
// bounds the subprocess call so a hung driver doesn't stall the hardware
// publisher's tick.
func Probe(timeout time.Duration) ([]Snapshot, error) {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil, ErrNoGPU
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path,
		"--query-gpu="+queryFields,
		"--format=csv,noheader,nounits",
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	return parseCSV(out)
}

func parseCSV(out []byte) ([]Snapshot, error) {
	r := csv.NewReader(strings.NewReader(string(out)))
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	snapshots := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		if len(rec) < 6 {
			continue
		}
		snap := Snapshot{
			Name: rec[1],
		}
		snap.Index, _ = strconv.Atoi(strings.TrimSpace(rec[0]))
		snap.UtilPercent, _ = strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		snap.MemUsedMiB, _ = strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
		snap.MemTotalMiB, _ = strconv.ParseFloat(strings.TrimSpace(rec[4]), 64)
		snap.TempC, _ = strconv.ParseFloat(strings.TrimSpace(rec[5]), 64)
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}
