package supervisor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requirePython(t *testing.T) string {
	t.Helper()
	exe, err := PythonExecutable()
	if err != nil {
		t.Skip("no python interpreter on PATH")
	}
	return exe
}

func TestInlineSmokeCapturesStdoutAndStderr(t *testing.T) {
	requirePython(t)

	var stdout, stderr []string
	outcome, err := Inline(
		"print('OK')\nimport sys;print('ERR',file=sys.stderr)",
		RunOpts{
			Timeout:  5 * time.Second,
			Cancel:   make(chan struct{}),
			OnStdout: func(l string) { stdout = append(stdout, l) },
			OnStderr: func(l string) { stderr = append(stderr, l) },
		},
	)
	require.NoError(t, err)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 0, *outcome.ExitCode)
	assert.False(t, outcome.TimedOut)
	assert.False(t, outcome.Cancelled)
	require.Len(t, stdout, 1)
	assert.Equal(t, "OK\n", stdout[0])
	require.Len(t, stderr, 1)
	assert.Equal(t, "ERR\n", stderr[0])
}

func TestInlineCancelStopsLongRunningChild(t *testing.T) {
	requirePython(t)

	cancel := make(chan struct{})
	started := make(chan struct{}, 1)
	go func() {
		<-started
		time.Sleep(200 * time.Millisecond)
		close(cancel)
	}()

	outcome, err := Inline(
		"import time;print('start',flush=True);time.sleep(30)",
		RunOpts{
			Timeout: 60 * time.Second,
			Cancel:  cancel,
			OnStdout: func(l string) {
				if strings.TrimSpace(l) == "start" {
					select {
					case started <- struct{}{}:
					default:
					}
				}
			},
			OnStderr: func(string) {},
		},
	)
	require.NoError(t, err)
	assert.True(t, outcome.Cancelled)
	assert.False(t, outcome.TimedOut)
}

func TestInlineTimeoutMarksTimedOut(t *testing.T) {
	requirePython(t)

	outcome, err := Inline(
		"import time;time.sleep(5)",
		RunOpts{
			Timeout:  300 * time.Millisecond,
			Cancel:   make(chan struct{}),
			OnStdout: func(string) {},
			OnStderr: func(string) {},
		},
	)
	require.NoError(t, err)
	assert.True(t, outcome.TimedOut)
	assert.False(t, outcome.Cancelled)
}

func TestInlineNonzeroExit(t *testing.T) {
	requirePython(t)

	outcome, err := Inline(
		"raise SystemExit(3)",
		RunOpts{
			Timeout:  5 * time.Second,
			Cancel:   make(chan struct{}),
			OnStdout: func(string) {},
			OnStderr: func(string) {},
		},
	)
	require.NoError(t, err)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 3, *outcome.ExitCode)
}

func TestRewriteTracebackStripsRoot(t *testing.T) {
	var got string
	cb := rewriteTraceback("/tmp/run123", func(l string) { got = l })
	cb(`  File "/tmp/run123/main.py", line 3, in <module>` + "\n")
	assert.Equal(t, `  File "main.py", line 3, in <module>`+"\n", got)
}

func TestRewriteTracebackNoopWhenRootEmpty(t *testing.T) {
	var got string
	cb := rewriteTraceback("", func(l string) { got = l })
	cb(`  File "/tmp/x/main.py", line 3, in <module>` + "\n")
	assert.Equal(t, `  File "/tmp/x/main.py", line 3, in <module>`+"\n", got)
}
