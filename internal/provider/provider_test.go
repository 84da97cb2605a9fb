package provider

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/translate"
)

// recordingSpawner captures argv instead of running anything.
type recordingSpawner struct {
	mu    sync.Mutex
	calls [][]string
	out   Outcome
	err   error
}

func (s *recordingSpawner) Spawn(_ context.Context, argv []string, _ ExecOptions) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), argv...))
	return s.out, s.err
}

func writeFile(path string) error { return os.WriteFile(path, []byte("x"), 0o644) }

func TestNewSelectsProvider(t *testing.T) {
	for _, p := range platform.All {
		pr, err := New(p, &recordingSpawner{}, nil)
		require.NoError(t, err)
		assert.Equal(t, p, pr.Platform())
	}
	_, err := New(platform.Platform("beos"), nil, nil)
	assert.ErrorIs(t, err, errdefs.ErrUnrecognizedPlatform)
}

func TestWindowsBuiltinsRunThroughCmd(t *testing.T) {
	sp := &recordingSpawner{}
	pr, err := New(platform.Windows, sp, nil)
	require.NoError(t, err)

	cmd, err := translate.TranslateFor(translate.ListFiles, []string{`C:\Temp`}, platform.Windows, "")
	require.NoError(t, err)
	res, err := pr.Execute(context.Background(), cmd, ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, `dir C:\Temp`, res.Command)
	require.Len(t, sp.calls, 1)
	assert.Equal(t, []string{"cmd", "/C", "dir", `C:\Temp`}, sp.calls[0])
}

func TestWSLBridgesDrivePaths(t *testing.T) {
	sp := &recordingSpawner{}
	pr, err := New(platform.WSL, sp, nil)
	require.NoError(t, err)

	res, err := pr.Execute(context.Background(), translate.Command{Name: "cp", Args: []string{"-r", `C:\Users\me\app`, "/opt/app"}}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cp -r /mnt/c/Users/me/app /opt/app", res.Command)

	_, err = pr.Execute(context.Background(), translate.Command{Name: "cmd.exe", Args: []string{"/C", `dir D:\data`}}, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd.exe", "/C", `dir D:\data`}, sp.calls[1])
}

func TestBridgePath(t *testing.T) {
	cases := map[string]string{
		`C:\Temp`:        "/mnt/c/Temp",
		`d:/work/x.txt`:  "/mnt/d/work/x.txt",
		"/already/posix": "/already/posix",
		"relative":       "relative",
		"":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, BridgePath(in), in)
	}
}

func TestSpawnFailureIsExecutionError(t *testing.T) {
	pr, err := New(platform.Linux, &recordingSpawner{err: errors.New("exec: not found")}, nil)
	require.NoError(t, err)
	res, err := pr.Execute(context.Background(), translate.Command{Name: "nope"}, ExecOptions{})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, errdefs.ErrExecution)
}

func TestTimedOutOutcomeReturnsResultAndError(t *testing.T) {
	pr, err := New(platform.Linux, &recordingSpawner{out: Outcome{ExitCode: -1, TimedOut: true}}, nil)
	require.NoError(t, err)
	res, err := pr.Execute(context.Background(), translate.Command{Name: "sleep", Args: []string{"5"}}, ExecOptions{Timeout: time.Second})
	assert.ErrorIs(t, err, errdefs.ErrTimedOut)
	require.NotNil(t, res)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.True(t, IsTimeout(err))
}

func TestNonZeroExitIsAResult(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)

	cmd, err := translate.TranslateFor(translate.Shell, []string{"echo oops >&2; exit 1"}, platform.Linux, "")
	require.NoError(t, err)
	res, err := pr.Execute(context.Background(), cmd, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Stderr, "oops")
}

func TestMissingBinaryIsExecutionError(t *testing.T) {
	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)
	_, err = pr.Execute(context.Background(), translate.Command{Name: "ladapter-definitely-missing-binary"}, ExecOptions{})
	assert.ErrorIs(t, err, errdefs.ErrExecution)
}

func TestListFilesTmp(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("posix host required")
	}
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/marker.txt"))

	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)
	cmd, err := translate.TranslateFor(translate.ListFiles, []string{dir}, platform.Linux, "")
	require.NoError(t, err)
	assert.Equal(t, "ls "+dir, cmd.String())

	res, err := pr.Execute(context.Background(), cmd, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Contains(t, res.Stdout, "marker.txt")
	assert.False(t, res.StartedAt.IsZero())
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, strings.HasPrefix(b.String(), "abcd\n"))
}
