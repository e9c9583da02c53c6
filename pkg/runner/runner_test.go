package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestShell_Output(t *testing.T) {
	sh := New(t.TempDir(), zaptest.NewLogger(t))

	out, err := sh.Output(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestShell_OutputFailure(t *testing.T) {
	sh := New(t.TempDir(), zaptest.NewLogger(t))

	_, err := sh.Output(context.Background(), "echo oops >&2; exit 3")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "oops")
}

func TestShell_Run(t *testing.T) {
	dir := t.TempDir()
	sh := New(dir, zaptest.NewLogger(t))

	require.NoError(t, sh.Run(context.Background(), "touch marker"))

	out, err := sh.Output(context.Background(), "ls")
	require.NoError(t, err)
	assert.Equal(t, "marker", out)
}

func TestShell_RunFailureCarriesStderrTail(t *testing.T) {
	sh := New(t.TempDir(), zaptest.NewLogger(t))

	err := sh.Run(context.Background(), "echo broken >&2; false")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, exitErr.Stderr, "broken")
}

func TestShell_Capture(t *testing.T) {
	sh := New(t.TempDir(), zaptest.NewLogger(t))

	res, err := sh.Capture(context.Background(), "cat", "from stdin")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
	assert.Equal(t, "from stdin", res.Stdout)

	res, err = sh.Capture(context.Background(), "exit 7", "")
	require.NoError(t, err)
	assert.Equal(t, 7, res.Code)
}

func TestShell_Cancellation(t *testing.T) {
	sh := New(t.TempDir(), zaptest.NewLogger(t)).WithGracePeriod(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := sh.Run(ctx, "sleep 30")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "/simple/path", Quote("/simple/path"))
	assert.Equal(t, "'/path with spaces/file.txt'", Quote("/path with spaces/file.txt"))
	assert.Equal(t, "'/path/with$special&chars'", Quote("/path/with$special&chars"))
	assert.Equal(t, `'/path/with'\''quotes'`, Quote("/path/with'quotes"))
}
