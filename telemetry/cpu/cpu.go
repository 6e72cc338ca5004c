// Package cpu samples host CPU utilization from /proc/stat via
// prometheus/procfs, the same library snapetech-plexTuner's metrics stack
// depends on.
package cpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sampler tracks the previous /proc/stat sample so each call to Sample can
// report a delta-based utilization percentage instead of a cumulative one.
type Sampler struct {
	fs   procfs.FS
	mu   sync.Mutex
	last procfs.CPUStat
	have bool
}

// NewSampler opens the default procfs mount (/proc).
func NewSampler() (*Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &Sampler{fs: fs}, nil
}

// Sample returns the CPU utilization percentage observed since the previous
// call (0 on the first call, since there is no prior sample to diff
// against). Returns an error when /proc/stat can't be read, e.g. non-Linux
// hosts.
func (s *Sampler) Sample() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := s.fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("reading /proc/stat: %w", err)
	}
	cur := stat.CPUTotal

	if !s.have {
		s.last = cur
		s.have = true
		return 0, nil
	}

	prevIdle := s.last.Idle + s.last.Iowait
	curIdle := cur.Idle + cur.Iowait

	prevTotal := totalOf(s.last)
	curTotal := totalOf(cur)

	s.last = cur

	deltaTotal := curTotal - prevTotal
	deltaIdle := curIdle - prevIdle
	if deltaTotal <= 0 {
		return 0, nil
	}

	util := (1 - deltaIdle/deltaTotal) * 100
	if util < 0 {
		util = 0
	}
	if util > 100 {
		util = 100
	}
	return util, nil
}

func totalOf(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

// TickInterval is exported so callers building a Sampler-backed ticker
// outside the Hardware Publisher can match its cadence.
const TickInterval = time.Second
