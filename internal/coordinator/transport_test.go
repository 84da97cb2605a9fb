package coordinator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ladapter/internal/orchestrator"
	"github.com/3cpo-dev/ladapter/pkg/api"
)

func newOrchestrator(t *testing.T) (*orchestrator.State, *HTTPTransport) {
	t.Helper()
	state := orchestrator.NewState(time.Minute)
	srv := httptest.NewServer(orchestrator.NewServer(state, orchestrator.Options{Token: "tok"}))
	t.Cleanup(srv.Close)
	tr, err := NewHTTPTransport(srv.URL, "tok", 2*time.Second)
	require.NoError(t, err)
	return state, tr
}

// lostAck delivers the first report but drops the acknowledgement.
type lostAck struct {
	*HTTPTransport
	reports atomic.Int32
}

func (l *lostAck) ReportResult(ctx context.Context, r api.ResultReport) (api.ResultAck, error) {
	ack, err := l.HTTPTransport.ReportResult(ctx, r)
	if l.reports.Add(1) == 1 && err == nil {
		return api.ResultAck{}, errors.New("connection reset by peer")
	}
	return ack, err
}

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, task api.DeploymentTask) api.ResultReport {
	return api.ResultReport{
		TaskID:       task.TaskID,
		DeploymentID: task.DeploymentID,
		Status:       api.RunSucceeded,
		Stdout:       "done\n",
		CompletedAt:  time.Now().UTC(),
	}
}

func TestResultRecordedOnceAfterLostAck(t *testing.T) {
	state, tr := newOrchestrator(t)
	lossy := &lostAck{HTTPTransport: tr}
	c, st := newClient(t, testConfig(), lossy, echoRunner{})
	require.NoError(t, c.Register(context.Background()))

	report := api.ResultReport{TaskID: "t-1", Status: api.RunSucceeded, Stdout: "ok\n"}
	require.NoError(t, c.ReportDeploymentResult(context.Background(), report))

	assert.Equal(t, int32(2), lossy.reports.Load())
	assert.Equal(t, 1, state.ResultCount())
	got, ok := state.Result("t-1")
	require.True(t, ok)
	assert.Equal(t, 2, got.Deliveries)

	n, err := st.CountPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEndToEndOverHTTP(t *testing.T) {
	state, tr := newOrchestrator(t)
	c, _ := newClient(t, testConfig(), tr, echoRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(state.Environments()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := state.Environments()[0]
	assert.Equal(t, "env-1", env.ID)
	assert.Equal(t, "linux_local", env.Type)
	assert.Equal(t, []string{"copy", "list_files"}, env.Capabilities)

	queued, err := state.Enqueue("env-1", api.DeploymentTask{DeploymentID: "dep-7"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := state.Result(queued.TaskID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := state.Result(queued.TaskID)
	assert.Equal(t, "dep-7", got.Report.DeploymentID)
	assert.Equal(t, api.RunSucceeded, got.Report.Status)
	assert.Eventually(t, func() bool {
		return c.Status().LastHeartbeat != nil
	}, time.Second, 10*time.Millisecond)
}

func TestHTTPTransportErrors(t *testing.T) {
	_, tr := newOrchestrator(t)
	ctx := context.Background()

	_, err := tr.Heartbeat(ctx, api.HeartbeatRequest{
		EnvironmentID: "ghost",
		Timestamp:     time.Now().UTC(),
		Capabilities:  []string{},
	})
	require.ErrorIs(t, err, ErrUnknownEnvironment)
	assert.True(t, isPermanent(err))

	_, err = tr.NextTask(ctx, "ghost")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.True(t, isPermanent(err))

	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer busy.Close()
	flaky, err := NewHTTPTransport(busy.URL, "", time.Second)
	require.NoError(t, err)
	_, err = flaky.Register(ctx, api.RegisterRequest{EnvironmentID: "env-1"})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.False(t, isPermanent(err))

	_, err = NewHTTPTransport("ftp://orch", "", time.Second)
	assert.Error(t, err)
}

func TestHTTPTransportRejectedToken(t *testing.T) {
	state := orchestrator.NewState(time.Minute)
	srv := httptest.NewServer(orchestrator.NewServer(state, orchestrator.Options{Token: "tok"}))
	defer srv.Close()
	tr, err := NewHTTPTransport(srv.URL, "wrong", time.Second)
	require.NoError(t, err)

	_, err = tr.Register(context.Background(), api.RegisterRequest{
		EnvironmentID: "env-1", EnvironmentType: "linux_local", Platform: "linux", Capabilities: []string{},
	})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.True(t, isPermanent(err))
	assert.Empty(t, state.Environments())
}
