package session

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepinsight/kernel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory wire.Conn: Send appends to an outbox channel,
// Receive drains a preloaded inbox, and closing either unblocks callers.
type fakeConn struct {
	inbox  chan []byte
	outbox chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox:  make(chan []byte, 16),
		outbox: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Send(b []byte) error {
	select {
	case f.outbox <- append([]byte(nil), b...):
		return nil
	case <-f.closed:
		return errors.New("closed")
	}
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case b := <-f.inbox:
		return b, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.inbox <- b
}

func (f *fakeConn) next(t *testing.T, timeout time.Duration) map[string]interface{} {
	t.Helper()
	select {
	case b := <-f.outbox:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbound event")
		return nil
	}
}

func TestCoordinatorRejectsSecondSubmitWhileInFlight(t *testing.T) {
	var c Coordinator
	run, err := c.Submit()
	require.NoError(t, err)
	require.NotNil(t, run)

	_, err = c.Submit()
	assert.Error(t, err)

	c.Finish(run)
	_, err = c.Submit()
	assert.NoError(t, err)
}

func TestCoordinatorRequestCancelIgnoresUnknownRunID(t *testing.T) {
	var c Coordinator
	_, err := c.Submit()
	require.NoError(t, err)
	assert.False(t, c.RequestCancel("not-the-run-id"))
}

func TestCoordinatorRequestCancelClosesChannel(t *testing.T) {
	var c Coordinator
	run, err := c.Submit()
	require.NoError(t, err)

	assert.True(t, c.RequestCancel(run.ID))
	select {
	case <-run.Cancel:
	default:
		t.Fatal("expected cancel channel to be closed")
	}

	// Requesting cancel twice must not panic (close of closed channel).
	assert.True(t, c.RequestCancel(run.ID))
}

func TestSessionServeSendsHelloFirst(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})

	done := make(chan error, 1)
	go func() { done <- s.Serve("python3", "/usr/bin/python3") }()
	defer conn.Close()

	hello := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeHello, hello["type"])
	assert.Equal(t, "python3", hello["python"])
}

func TestSessionSendsSystemInfoAfterHello(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, func() interface{} { return map[string]string{"os": "linux"} }, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeSystemInfo, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "linux", data["os"])
}

func TestSessionRejectsExecWithBannedCall(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info

	conn.push(t, map[string]interface{}{
		"type": "exec",
		"code": "import os\nos.system('ls')\n",
	})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Contains(t, msg["message"], "os.system")
}

func TestSessionRejectsSecondExecWhileRunInFlight(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info

	// Manually occupy the coordinator slot without going through a real
	// supervisor dispatch (no python dependency in this unit test).
	run, err := s.coord.Submit()
	require.NoError(t, err)

	conn.push(t, map[string]interface{}{
		"type": "exec",
		"code": "print(1)",
	})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Equal(t, "Kernel is busy", msg["message"])
	assert.Equal(t, run.ID, msg["run_id"])
}

func TestSessionSystemInfoUsesInjectedProvider(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, func() interface{} { return map[string]string{"os": "linux"} }, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info sent unconditionally after hello

	conn.push(t, map[string]interface{}{"type": "request_system_info"})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeSystemInfo, msg["type"])
	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "linux", data["os"])
}

func TestSessionCancelWithNoActiveRunYieldsError(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info

	runID := "9d1f7e2e-9b0a-4e8a-9a2a-6a6c2b6e8e10"
	conn.push(t, map[string]interface{}{"type": "cancel", "run_id": runID})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Equal(t, "No running task", msg["message"])
	assert.Equal(t, runID, msg["run_id"])
}

func TestSessionRejectsWorkspaceExecWithBannedCall(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("import os\nos.system('ls')\n"), 0o644))

	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info

	conn.push(t, map[string]interface{}{
		"type":           "exec",
		"workspace_root": root,
		"entry":          "main.py",
	})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Contains(t, msg["message"], "os.system")
}

func TestSessionWorkspaceExecDegradesToNoPrecheckOnUnreadableEntry(t *testing.T) {
	source := sourceOf(wire.Envelope{
		WorkspaceRoot: filepath.Join(t.TempDir(), "does-not-exist"),
		Entry:         "main.py",
	})
	assert.Empty(t, source)
}

func TestSessionDisconnectWhileRunActiveCancelsAndAwaitsRun(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})

	done := make(chan error, 1)
	go func() { done <- s.Serve("python3", "/usr/bin/python3") }()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info

	run, err := s.coord.Submit()
	require.NoError(t, err)
	s.wg.Add(1)
	finished := make(chan struct{})
	go func() {
		defer s.wg.Done()
		<-run.Cancel
		close(finished)
	}()

	conn.Close()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("teardown did not cancel the active run")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after teardown")
	}
}

func TestSessionUnknownFrameTypeYieldsError(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, nil, nil, nil, Config{})
	go s.Serve("python3", "/usr/bin/python3")
	defer conn.Close()

	conn.next(t, time.Second) // hello
	conn.next(t, time.Second) // system_info
	conn.push(t, map[string]interface{}{"type": "frobnicate"})

	msg := conn.next(t, time.Second)
	assert.Equal(t, wire.TypeError, msg["type"])
	assert.Contains(t, msg["message"], "unknown frame type")
}
