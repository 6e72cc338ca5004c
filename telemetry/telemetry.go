// Package telemetry implements the Hardware Probe and Hardware Publisher:
// a one-second ticker that samples host CPU and GPU utilization and emits
// wire.Hw events from a small goroutine owned and stopped by the session.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/deepinsight/kernel/telemetry/cpu"
	"github.com/deepinsight/kernel/telemetry/gpu"
	"github.com/deepinsight/kernel/wire"
	"github.com/sirupsen/logrus"
)

// TickInterval is how often the publisher samples and emits.
const TickInterval = time.Second

// gpuProbeTimeout bounds each nvidia-smi invocation so a wedged driver never
// stalls a tick.
const gpuProbeTimeout = 2 * time.Second

// Probe samples CPU and, when available, GPU utilization once. A GPU probe
// failure (commonly: no nvidia-smi on PATH) is non-fatal — it degrades to an
// empty GPU list rather than failing the whole sample, per the hardware
// probe's "best effort" semantics.
type Probe struct {
	cpu *cpu.Sampler
	log *logrus.Entry
}

// NewProbe constructs a Probe. CPU sampling degrades to always-zero
// utilization if procfs isn't available on this host (e.g. non-Linux).
func NewProbe(log *logrus.Entry) *Probe {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sampler, err := cpu.NewSampler()
	if err != nil {
		log.WithError(err).Warn("cpu telemetry disabled: procfs unavailable")
		sampler = nil
	}
	return &Probe{cpu: sampler, log: log}
}

// Sample produces one wire.Hw event populated with the current timestamp.
func (p *Probe) Sample(nowMs int64) wire.Hw {
	var cpuSnap wire.CpuSnapshot
	if p.cpu != nil {
		util, err := p.cpu.Sample()
		if err != nil {
			p.log.WithError(err).Debug("cpu sample failed")
		} else {
			cpuSnap.Utilization = util
		}
	}

	var gpuErr string
	gpuSnaps, err := gpu.Probe(gpuProbeTimeout)
	if err != nil {
		gpuErr = err.Error()
	}

	wireGpus := make([]wire.GpuSnapshot, 0, len(gpuSnaps))
	for _, g := range gpuSnaps {
		wireGpus = append(wireGpus, wire.GpuSnapshot{
			Index:          g.Index,
			Name:           g.Name,
			UtilizationGpu: int(g.UtilPercent),
			MemoryUsedMB:   int(g.MemUsedMiB),
			MemoryTotalMB:  int(g.MemTotalMiB),
			TemperatureC:   int(g.TempC),
		})
	}

	return wire.NewHw(nowMs, wireGpus, cpuSnap, gpuErr)
}

// Publisher owns the ticker goroutine a session starts when it begins
// serving and stops at session teardown.
type Publisher struct {
	probe *Probe
	emit  func(wire.Hw)
	now   func() int64
	tick  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewPublisher builds a Publisher. now is injected so tests can avoid a
// dependency on wall-clock time; callers outside tests should pass a
// function backed by time.Now().UnixMilli. tick overrides TickInterval;
// zero means "use the package default."
func NewPublisher(probe *Probe, emit func(wire.Hw), now func() int64, tick time.Duration) *Publisher {
	if tick <= 0 {
		tick = TickInterval
	}
	return &Publisher{probe: probe, emit: emit, now: now, tick: tick}
}

// Start begins ticking in a background goroutine. Calling Start while
// already running is a no-op.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stopped = make(chan struct{})

	go func() {
		defer close(p.stopped)
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.emit(p.probe.Sample(p.now()))
			}
		}
	}()
}

// Stop halts the ticker and waits for the goroutine to exit.
func (p *Publisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	stopped := p.stopped
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
