// Package supervisor spawns and monitors the interpreter child process for
// one run: it streams stdout/stderr line-by-line, races process exit against
// cancellation and a timeout, and escalates termination to a kill after a
// grace period.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TerminateGrace is how long the supervisor waits after sending a terminate
// signal before escalating to a kill.
const TerminateGrace = 3 * time.Second

// Outcome is the resolved terminal state of one child run.
type Outcome struct {
	ExitCode  *int
	TimedOut  bool
	Cancelled bool
}

// Params describes one fully-resolved child invocation. The three exec
// modes (inline/project/workspace) each build a Params and call Execute;
// building Params is where the mode-specific environment hardening from the
// specification happens (UTF-8 forcing, PYTHONPATH/venv overlay, traceback
// root stripping).
type Params struct {
	Exe           string
	Args          []string
	Env           []string
	Dir           string
	TracebackRoot string // stderr "File \"<root>..." prefix to strip; empty disables rewrite

	Timeout time.Duration
	Cancel  <-chan struct{}

	OnStdout func(line string)
	OnStderr func(line string)

	Log *logrus.Entry

	// TerminateGrace overrides TerminateGrace for this invocation. Zero
	// means "use the package default."
	TerminateGrace time.Duration
}

// Execute spawns the child and blocks until it reaches a terminal state.
// err is non-nil only for failures that occur before or during process
// start (binary not found, fork failure) — once the child is running,
// Execute always returns a populated Outcome.
func Execute(p Params) (Outcome, error) {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	cmd := exec.Command(p.Exe, p.Args...)
	cmd.Env = p.Env
	cmd.Dir = p.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("starting process: %w", err)
	}

	var readers errgroup.Group
	readers.Go(func() error {
		readLines(stdout, p.OnStdout)
		return nil
	})
	readers.Go(func() error {
		readLines(stderr, rewriteTraceback(p.TracebackRoot, p.OnStderr))
		return nil
	})

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	grace := p.TerminateGrace
	if grace <= 0 {
		grace = TerminateGrace
	}
	outcome := race(cmd, exitCh, p.Cancel, p.Timeout, grace, log)

	_ = readers.Wait()

	return outcome, nil
}

// race waits for the first of process exit, cancel signal, or timeout, then
// resolves the outcome per the specification's escalation rules. Ties where
// both cancel and timeout are observed together resolve to cancel.
func race(cmd *exec.Cmd, exitCh chan error, cancel <-chan struct{}, timeout, grace time.Duration, log *logrus.Entry) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut, cancelled bool

	select {
	case err := <-exitCh:
		return Outcome{ExitCode: exitCodeOf(cmd, err)}
	case <-cancel:
		cancelled = true
	case <-timer.C:
		select {
		case <-cancel:
			cancelled = true
		default:
			timedOut = true
		}
	}

	terminate(cmd, log)
	select {
	case err := <-exitCh:
		return Outcome{ExitCode: exitCodeOf(cmd, err), TimedOut: timedOut, Cancelled: cancelled}
	case <-time.After(grace):
	}

	kill(cmd, log)
	err := <-exitCh
	return Outcome{ExitCode: exitCodeOf(cmd, err), TimedOut: timedOut, Cancelled: cancelled}
}

func terminate(cmd *exec.Cmd, log *logrus.Entry) {
	signalGroup(cmd, syscall.SIGTERM, log)
}

func kill(cmd *exec.Cmd, log *logrus.Entry) {
	signalGroup(cmd, syscall.SIGKILL, log)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal, log *logrus.Entry) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err == nil {
		if err := syscall.Kill(-pgid, sig); err != nil {
			log.WithError(err).Debug("signaling process group failed")
		}
		return
	}
	_ = cmd.Process.Signal(sig)
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) *int {
	var code int
	if waitErr == nil {
		code = 0
	} else if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else {
		code = -1
	}
	return &code
}

// readLines reads whole newline-terminated lines (including the trailing
// newline) and forwards each to onLine in order. A trailing partial line
// with no newline at EOF is dropped per specification.
func readLines(r io.Reader, onLine func(string)) {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 && err == nil {
			onLine(line)
		}
		if err != nil {
			return
		}
	}
}

// rewriteTraceback wraps a stderr callback so that traceback frame lines
// referencing the staging/workspace root have that root prefix stripped
// before the observer sees them. A no-op when root is empty.
func rewriteTraceback(root string, onLine func(string)) func(string) {
	if root == "" || onLine == nil {
		return onLine
	}
	slashPrefix := `File "` + root + `/`
	bsPrefix := `File "` + root + `\`
	return func(line string) {
		if strings.Contains(line, `File "`) {
			line = strings.ReplaceAll(line, slashPrefix, `File "`)
			line = strings.ReplaceAll(line, bsPrefix, `File "`)
		}
		onLine(line)
	}
}

// PythonExecutable resolves the default interpreter by PATH lookup, the way
// the original implementation falls back to sys.executable.
func PythonExecutable() (string, error) {
	if exe, err := exec.LookPath("python3"); err == nil {
		return exe, nil
	}
	if exe, err := exec.LookPath("python"); err == nil {
		return exe, nil
	}
	return "", fmt.Errorf("no python interpreter found on PATH")
}

// BaseEnv returns a copy of the process environment with UTF-8 forced, the
// starting point for every mode's environment hardening.
func BaseEnv() []string {
	env := append([]string{}, os.Environ()...)
	return append(env, "PYTHONUTF8=1", "PYTHONIOENCODING=utf-8")
}
