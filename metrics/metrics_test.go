package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveDoneLabelsExitedByDefault(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalExited)))
	ObserveDone(false, false, false)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalExited)))
	assert.Equal(t, before+1, after)
}

func TestObserveDoneCancelledTakesPriorityOverTimedOut(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalCancelled)))
	ObserveDone(true, true, false)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalCancelled)))
	assert.Equal(t, before+1, after)
}

func TestObserveDoneErrorTakesPriorityOverAll(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalError)))
	ObserveDone(true, true, true)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues(string(TerminalError)))
	assert.Equal(t, before+1, after)
}
