//go:build unix

package provider

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/3cpo-dev/ladapter/internal/errdefs"
	"github.com/3cpo-dev/ladapter/internal/platform"
	"github.com/3cpo-dev/ladapter/internal/translate"
)

func TestTimeoutKillsProcessGroup(t *testing.T) {
	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)

	// The shell prints its pid and then becomes sleep, so the pid is the sleeper.
	cmd, err := translate.TranslateFor(translate.Shell, []string{"echo $$; exec sleep 5"}, platform.Linux, "")
	require.NoError(t, err)

	start := time.Now()
	res, err := pr.Execute(context.Background(), cmd, ExecOptions{Timeout: time.Second, GracePeriod: 500 * time.Millisecond})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, errdefs.ErrTimedOut)
	require.NotNil(t, res)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Less(t, elapsed, 3*time.Second)

	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	require.NoError(t, convErr, "stdout %q", res.Stdout)
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH, "process %d still exists", pid)
}

// alive treats a zombie as dead: it only lingers until its new parent reaps it.
func alive(pid int) bool {
	if unix.Kill(pid, 0) == unix.ESRCH {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := bytes.LastIndexByte(stat, ')')
	return !(i >= 0 && i+2 < len(stat) && stat[i+2] == 'Z')
}

func TestTimeoutKillsMembersThatIgnoreInterrupt(t *testing.T) {
	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)

	// A background job of a non-interactive shell ignores SIGINT, and with its output
	// detached nothing holds the pipes once the shell exits on the interrupt.
	script := "sleep 30 >/dev/null 2>&1 & echo $!; wait"
	cmd, err := translate.TranslateFor(translate.Shell, []string{script}, platform.Linux, "")
	require.NoError(t, err)

	res, err := pr.Execute(context.Background(), cmd, ExecOptions{Timeout: 500 * time.Millisecond, GracePeriod: 2 * time.Second})
	require.ErrorIs(t, err, errdefs.ErrTimedOut)
	require.NotNil(t, res)
	assert.Equal(t, StatusTimedOut, res.Status)

	pid, convErr := strconv.Atoi(strings.TrimSpace(res.Stdout))
	require.NoError(t, convErr, "stdout %q", res.Stdout)
	t.Cleanup(func() { _ = unix.Kill(pid, unix.SIGKILL) })
	assert.Eventually(t, func() bool { return !alive(pid) }, 2*time.Second, 20*time.Millisecond,
		"background sleep %d survived the timeout", pid)
}

func TestParentCancelIsNotTimeout(t *testing.T) {
	pr, err := New(platform.Linux, nil, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err = pr.Execute(ctx, translate.Command{Name: "sleep", Args: []string{"5"}}, ExecOptions{GracePeriod: 200 * time.Millisecond})
	assert.ErrorIs(t, err, errdefs.ErrExecution)
	assert.ErrorIs(t, err, context.Canceled)
}
