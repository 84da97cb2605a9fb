package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ladapter/pkg/api"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "ladapter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistoryIsBounded(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < HistoryLimit+7; i++ {
		require.NoError(t, s.RecordTask(ctx, HistoryEntry{
			TaskID:      fmt.Sprintf("task-%03d", i),
			Status:      api.RunSucceeded,
			StartedAt:   now,
			CompletedAt: now.Add(time.Second),
		}))
	}
	got, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, HistoryLimit)
	assert.Equal(t, fmt.Sprintf("task-%03d", HistoryLimit+6), got[0].TaskID)
	assert.Equal(t, "task-007", got[len(got)-1].TaskID)

	few, err := s.History(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, few, 3)
}

func TestOutbox(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	r := api.ResultReport{TaskID: "t-1", Status: api.RunFailed, Reason: "timed_out", ExitCode: -1}
	require.NoError(t, s.EnqueueReport(ctx, r, 5, "connection refused"))
	require.NoError(t, s.EnqueueReport(ctx, r, 1, "still down"))
	require.NoError(t, s.EnqueueReport(ctx, api.ResultReport{TaskID: "t-2", Status: api.RunSucceeded}, 1, "x"))

	pending, err := s.PendingReports(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t-1", pending[0].Report.TaskID)
	assert.Equal(t, 6, pending[0].Attempts)
	assert.Equal(t, "still down", pending[0].LastError)
	assert.Equal(t, "timed_out", pending[0].Report.Reason)

	require.NoError(t, s.AckReport(ctx, "t-1"))
	n, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	h, err := s.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, h)
}
