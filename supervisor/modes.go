package supervisor

import (
	"fmt"
	"time"

	"github.com/deepinsight/kernel/stage"
	"github.com/deepinsight/kernel/wire"
	"github.com/sirupsen/logrus"
)

// RunOpts bundles the caller-supplied, mode-agnostic parts of a submission.
type RunOpts struct {
	Timeout  time.Duration
	Cancel   <-chan struct{}
	OnStdout func(string)
	OnStderr func(string)
	Log      *logrus.Entry

	// TerminateGrace overrides how long race waits after SIGTERM before
	// escalating to SIGKILL. Zero means "use the package default."
	TerminateGrace time.Duration
}

// Inline passes a code string directly to the interpreter's command line.
func Inline(code string, opts RunOpts) (Outcome, error) {
	exe, err := PythonExecutable()
	if err != nil {
		return Outcome{}, err
	}
	return Execute(Params{
		Exe:            exe,
		Args:           []string{"-X", "utf8", "-u", "-c", code},
		Env:            BaseEnv(),
		Timeout:        opts.Timeout,
		Cancel:         opts.Cancel,
		OnStdout:       opts.OnStdout,
		OnStderr:       opts.OnStderr,
		Log:            opts.Log,
		TerminateGrace: opts.TerminateGrace,
	})
}

// Project stages files under a fresh temp directory and runs the entry file
// by path, with the staging root prepended to PYTHONPATH and stripped from
// reported traceback paths. The staged directory is always removed before
// returning.
func Project(files []wire.File, entry string, opts RunOpts) (Outcome, error) {
	entryPath, root, cleanup, err := stage.Project(files, entry)
	if err != nil {
		return Outcome{}, err
	}
	defer cleanup()

	exe, err := PythonExecutable()
	if err != nil {
		return Outcome{}, err
	}
	env := withPythonPath(BaseEnv(), root)
	return Execute(Params{
		Exe:            exe,
		Args:           []string{"-X", "utf8", "-u", entryPath},
		Env:            env,
		Dir:            root,
		TracebackRoot:  root,
		Timeout:        opts.Timeout,
		Cancel:         opts.Cancel,
		OnStdout:       opts.OnStdout,
		OnStderr:       opts.OnStderr,
		Log:            opts.Log,
		TerminateGrace: opts.TerminateGrace,
	})
}

// Workspace runs an entry file inside an existing root, preferring a local
// .venv interpreter when present.
func Workspace(root, entry string, opts RunOpts) (Outcome, error) {
	entryPath, err := stage.Workspace(root, entry)
	if err != nil {
		return Outcome{}, err
	}

	exe, err := PythonExecutable()
	if err != nil {
		return Outcome{}, err
	}
	env := withPythonPath(BaseEnv(), root)

	if venvExe, binDir, ok := stage.VenvPythonExe(root); ok {
		exe = venvExe
		env = append(env, "VIRTUAL_ENV="+stage.VenvDir(root))
		env = prependPath(env, binDir)
	}

	return Execute(Params{
		Exe:            exe,
		Args:           []string{"-X", "utf8", "-u", entryPath},
		Env:            env,
		Dir:            root,
		TracebackRoot:  root,
		Timeout:        opts.Timeout,
		Cancel:         opts.Cancel,
		OnStdout:       opts.OnStdout,
		OnStderr:       opts.OnStderr,
		Log:            opts.Log,
		TerminateGrace: opts.TerminateGrace,
	})
}

func withPythonPath(env []string, root string) []string {
	for i, kv := range env {
		if len(kv) > len("PYTHONPATH=") && kv[:len("PYTHONPATH=")] == "PYTHONPATH=" {
			env[i] = fmt.Sprintf("PYTHONPATH=%s:%s", root, kv[len("PYTHONPATH="):])
			return env
		}
	}
	return append(env, "PYTHONPATH="+root)
}

func prependPath(env []string, dir string) []string {
	for i, kv := range env {
		if len(kv) > len("PATH=") && kv[:len("PATH=")] == "PATH=" {
			env[i] = fmt.Sprintf("PATH=%s:%s", dir, kv[len("PATH="):])
			return env
		}
	}
	return append(env, "PATH="+dir)
}
