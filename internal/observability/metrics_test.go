package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRunMetricsCountByStatus(t *testing.T) {
	m := NewMetrics()

	m.RecordRunAttempt("done")
	m.RecordRunAttempt("done")
	m.RecordRunAttempt("failed")
	m.RecordRunDuration("done", 2*time.Second)

	require.EqualValues(t, 2, testutil.ToFloat64(m.RunAttempts.WithLabelValues("done")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.RunAttempts.WithLabelValues("failed")))
	require.Equal(t, 1, testutil.CollectAndCount(m.RunDuration))
}

func TestOccupancyGauges(t *testing.T) {
	m := NewMetrics()

	m.SetTaskSlotsBusy(2)
	m.SetWorkerPool(3, 1)
	m.SetDBQueueDepth(5)
	m.SetSessionsLive(4)

	require.EqualValues(t, 2, testutil.ToFloat64(m.TaskSlotsBusy))
	require.EqualValues(t, 3, testutil.ToFloat64(m.WorkersRunning))
	require.EqualValues(t, 1, testutil.ToFloat64(m.WorkersQueued))
	require.EqualValues(t, 5, testutil.ToFloat64(m.DBQueueDepth))
	require.EqualValues(t, 4, testutil.ToFloat64(m.SessionsLive))
}

func TestLLMRequestRecordsTokensAndLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordLLMRequest("anthropic", "claude", true, 800*time.Millisecond, 120, 40)
	m.RecordLLMRequest("anthropic", "claude", false, 100*time.Millisecond, 0, 0)

	require.EqualValues(t, 1, testutil.ToFloat64(m.LLMRequests.WithLabelValues("anthropic", "claude", "ok")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.LLMRequests.WithLabelValues("anthropic", "claude", "error")))
	require.EqualValues(t, 120, testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude", "prompt")))
	require.EqualValues(t, 40, testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "claude", "completion")))
}

func TestOutcomeCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordToolExecution("web_fetch", true)
	m.RecordToolExecution("web_fetch", false)
	m.RecordWorkerTask("done")
	m.RecordSummaryJob(true)
	m.RecordSummaryJob(false)
	m.RecordChatTurn(true)
	m.RecordDBQuery("write", true, time.Millisecond)

	require.EqualValues(t, 1, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("web_fetch", "ok")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("web_fetch", "error")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.WorkerTasks.WithLabelValues("done")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.SummaryJobs.WithLabelValues("done")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.SummaryJobs.WithLabelValues("failed")))
	require.EqualValues(t, 1, testutil.ToFloat64(m.ChatTurns.WithLabelValues("ok")))
	require.Equal(t, 1, testutil.CollectAndCount(m.DBQueryDuration))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunAttempt("done")
	m.SetTaskSlotsBusy(1)
	m.SetWorkerPool(1, 1)
	m.RecordLLMRequest("p", "m", true, time.Second, 1, 1)
	m.RecordToolExecution("t", true)
	m.RecordSummaryJob(true)
	m.RecordChatTurn(false)
	m.SetSessionsLive(0)
	m.RecordDBQuery("read", true, time.Millisecond)
}

func TestTwoInstancesRegisterIndependently(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.RecordRunAttempt("done")
	require.EqualValues(t, 1, testutil.ToFloat64(a.RunAttempts.WithLabelValues("done")))
	require.EqualValues(t, 0, testutil.ToFloat64(b.RunAttempts.WithLabelValues("done")))
	require.NotNil(t, a.Registry())
}
