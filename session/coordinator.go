// Package session implements the Session state machine and Run Coordinator:
// the component that owns one peer connection end to end, accepts exec/
// cancel/request_system_info frames, sequences the safety check ahead of
// dispatch to the supervisor, and enforces single-inflight-run semantics.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deepinsight/kernel/classifier"
	"github.com/deepinsight/kernel/metrics"
	"github.com/deepinsight/kernel/safety"
	"github.com/deepinsight/kernel/supervisor"
	"github.com/deepinsight/kernel/telemetry"
	"github.com/deepinsight/kernel/wire"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Run is one accepted submission's bookkeeping.
type Run struct {
	ID     string
	Cancel chan struct{}

	mu        sync.Mutex
	cancelled bool
}

func newRun() *Run {
	return &Run{ID: uuid.NewString(), Cancel: make(chan struct{})}
}

// requestCancel closes the cancel channel at most once.
func (r *Run) requestCancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return
	}
	r.cancelled = true
	close(r.Cancel)
}

// Coordinator enforces that at most one run is in flight at a time and
// resolves cancel frames against the currently active run, per the
// specification's single-inflight rule.
type Coordinator struct {
	mu      sync.Mutex
	current *Run
}

// busyError reports that a run was already in flight when Submit was
// called, carrying the run that's occupying the slot so the caller can
// surface its id.
type busyError struct {
	current *Run
}

func (e *busyError) Error() string {
	return fmt.Sprintf("kernel is busy: run %s in progress", e.current.ID)
}

// Submit starts bookkeeping for a new run. It returns a *busyError if a run
// is already in flight; the caller (Session) turns that into a wire.Error
// response carrying the in-flight run's id rather than queuing or rejecting
// the connection.
func (c *Coordinator) Submit() (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil, &busyError{current: c.current}
	}
	run := newRun()
	c.current = run
	return run, nil
}

// Current returns the in-flight run, or nil if none.
func (c *Coordinator) Current() *Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Finish clears the in-flight run if it matches, so a new Submit can
// proceed. Called once the supervisor returns, regardless of outcome.
func (c *Coordinator) Finish(run *Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == run {
		c.current = nil
	}
}

// RequestCancel signals cancellation for runID if it is the current run.
// Cancelling an unknown or already-finished run id is a no-op, matching the
// specification's "cancel is best-effort" edge case.
func (c *Coordinator) RequestCancel(runID string) bool {
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()
	if run == nil || run.ID != runID {
		return false
	}
	run.requestCancel()
	return true
}

// Session owns one peer connection: it greets, then loops receiving frames
// until the connection closes, dispatching exec/cancel/request_system_info
// frames and emitting every event produced along the way through its
// Encoder.
type Session struct {
	conn    wire.Conn
	enc     *wire.Encoder
	coord   Coordinator
	log     *logrus.Entry
	sysInfo func() interface{}
	hw      *telemetry.Publisher
	wg      sync.WaitGroup

	defaultTimeout time.Duration
	terminateGrace time.Duration
}

// Config holds the subset of the daemon's configuration a Session needs.
// A zero Config falls back to the specification's built-in defaults (30s
// timeout, 1s hardware-telemetry cadence, 3s terminate grace).
type Config struct {
	DefaultTimeout time.Duration
	HwTickInterval time.Duration
	TerminateGrace time.Duration
}

// New constructs a Session bound to conn. sysInfo is called lazily on each
// request_system_info frame so the snapshot it returns is always current.
// probe may be nil, in which case the Hardware Publisher is disabled (used
// by tests that don't want a background ticker).
func New(conn wire.Conn, log *logrus.Entry, sysInfo func() interface{}, probe *telemetry.Probe, cfg Config) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	terminateGrace := cfg.TerminateGrace
	if terminateGrace <= 0 {
		terminateGrace = supervisor.TerminateGrace
	}
	s := &Session{
		conn:           conn,
		enc:            wire.NewEncoder(conn),
		log:            log,
		sysInfo:        sysInfo,
		defaultTimeout: defaultTimeout,
		terminateGrace: terminateGrace,
	}
	if probe != nil {
		s.hw = telemetry.NewPublisher(probe, func(h wire.Hw) { _ = s.enc.Emit(h) }, func() int64 {
			return time.Now().UnixMilli()
		}, cfg.HwTickInterval)
	}
	return s
}

// Serve greets the peer, sends a best-effort system_info snapshot, starts
// the always-on Hardware Publisher, then blocks processing frames until the
// connection is closed or a fatal decode loop error occurs. Teardown
// mirrors the documented sequence: stop the Hardware Publisher, then, if a
// Run is active, set its cancel signal and await the Supervisor before the
// encoder is closed.
func (s *Session) Serve(pythonExe, executable string) error {
	defer s.enc.Close()

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	if err := s.enc.Emit(wire.NewHello(pythonExe, executable)); err != nil {
		return fmt.Errorf("emitting hello: %w", err)
	}

	s.handleSystemInfo()

	if s.hw != nil {
		s.hw.Start(context.Background())
	}

	var loopErr error
loop:
	for {
		raw, err := s.conn.Receive()
		if err != nil {
			loopErr = err
			break loop
		}

		env, err := wire.Decode(raw)
		if err != nil {
			_ = s.enc.Emit(wire.NewError("malformed frame: "+err.Error(), nil))
			continue
		}

		switch env.Type {
		case wire.FrameExec:
			s.handleExec(env)
		case wire.FrameCancel:
			s.handleCancel(env)
		case wire.FrameRequestSystemInfo:
			s.handleSystemInfo()
		default:
			_ = s.enc.Emit(wire.NewError("unknown frame type: "+env.Type, nil))
		}
	}

	if s.hw != nil {
		s.hw.Stop()
	}
	if run := s.coord.Current(); run != nil {
		run.requestCancel()
		s.wg.Wait()
	}

	return loopErr
}

func (s *Session) handleSystemInfo() {
	var data interface{}
	if s.sysInfo != nil {
		data = s.sysInfo()
	}
	_ = s.enc.Emit(wire.NewSystemInfo(data))
}

func (s *Session) handleCancel(env wire.Envelope) {
	if _, err := uuid.Parse(env.RunID); err != nil {
		_ = s.enc.Emit(wire.NewError("cancel frame run_id is not a valid uuid", nil))
		return
	}
	if !s.coord.RequestCancel(env.RunID) {
		_ = s.enc.Emit(wire.NewError("No running task", &env.RunID))
	}
}

func (s *Session) handleExec(env wire.Envelope) {
	run, err := s.coord.Submit()
	if err != nil {
		var busy *busyError
		if errors.As(err, &busy) {
			_ = s.enc.Emit(wire.NewError("Kernel is busy", &busy.current.ID))
			return
		}
		_ = s.enc.Emit(wire.NewError(err.Error(), nil))
		return
	}

	source := sourceOf(env)
	if violations := safety.Check(source); len(violations) > 0 {
		s.coord.Finish(run)
		metrics.SafetyRejectionsTotal.Inc()
		_ = s.enc.Emit(wire.NewError(safetyMessage(violations), &run.ID))
		return
	}

	_ = s.enc.Emit(wire.NewStart(run.ID))
	metrics.RunsActive.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeRun(run, env)
	}()
}

// sourceOf returns the Python source the safety checker should scan: the
// inline code for inline submissions, the entry file's content for project
// submissions, or the entry file read off disk for workspace submissions.
// The workspace read is best-effort: a failure degrades to no pre-check
// rather than rejecting the submission.
func sourceOf(env wire.Envelope) string {
	switch env.Mode() {
	case wire.ModeProject:
		for _, f := range env.Files {
			if f.Path == env.Entry {
				return f.Content
			}
		}
		return ""
	case wire.ModeWorkspace:
		b, err := os.ReadFile(filepath.Join(env.WorkspaceRoot, env.Entry))
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return env.Code
	}
}

func safetyMessage(violations []safety.Violation) string {
	msg := "submission rejected: forbidden call"
	if len(violations) == 1 {
		v := violations[0]
		return fmt.Sprintf("%s %q at line %d, col %d", msg, v.Name, v.Lineno, v.Col)
	}
	return fmt.Sprintf("%s (%d forbidden calls found, first: %q at line %d)", msg, len(violations), violations[0].Name, violations[0].Lineno)
}

func (s *Session) executeRun(run *Run, env wire.Envelope) {
	defer s.coord.Finish(run)
	defer metrics.RunsActive.Dec()

	timeoutS := env.TimeoutS
	if timeoutS <= 0 {
		timeoutS = s.defaultTimeout.Seconds()
	}
	opts := supervisor.RunOpts{
		Timeout:        time.Duration(timeoutS * float64(time.Second)),
		Cancel:         run.Cancel,
		Log:            s.log.WithField("run_id", run.ID),
		TerminateGrace: s.terminateGrace,
	}

	sawOOM := false
	opts.OnStdout = func(line string) {
		if m, ok := classifier.TryMetric(line); ok {
			_ = s.enc.Emit(wire.NewMetric(run.ID, m.Name, m.Value, m.Step))
			return
		}
		if v, ok := classifier.TryVis(line); ok {
			_ = s.enc.Emit(wire.NewVis(run.ID, v))
			return
		}
		_ = s.enc.Emit(wire.NewStdout(run.ID, line))
	}

	var locus string
	opts.OnStderr = func(line string) {
		if loc, ok := classifier.TracebackLocus(line); ok {
			locus = loc
		}
		if !sawOOM && classifier.IsOOM(line) {
			sawOOM = true
			metrics.OOMDetectedTotal.Inc()
			_ = s.enc.Emit(wire.NewOom(run.ID, line, locus))
		}
		_ = s.enc.Emit(wire.NewStderr(run.ID, line))
	}

	outcome, err := dispatch(env, opts)
	if err != nil {
		metrics.ObserveDone(false, false, true)
		_ = s.enc.Emit(wire.NewError(err.Error(), &run.ID))
		return
	}

	metrics.ObserveDone(outcome.TimedOut, outcome.Cancelled, false)
	_ = s.enc.Emit(wire.NewDone(run.ID, outcome.ExitCode, outcome.TimedOut, outcome.Cancelled))
}

func dispatch(env wire.Envelope, opts supervisor.RunOpts) (supervisor.Outcome, error) {
	switch env.Mode() {
	case wire.ModeWorkspace:
		return supervisor.Workspace(env.WorkspaceRoot, env.Entry, opts)
	case wire.ModeProject:
		return supervisor.Project(env.Files, env.Entry, opts)
	default:
		return supervisor.Inline(env.Code, opts)
	}
}
