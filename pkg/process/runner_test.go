package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/pkg/orcherr"
)

func TestRunner_CapturesStdoutAndExitCode(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Command:   "echo",
		Args:      []string{"-n", "hello"},
		TimeoutMs: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
}

func TestRunner_RejectsNonPositiveTimeout(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Spec{Command: "sh", Args: []string{"-c", "echo ok"}})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.KindFatal))
}

func TestRunner_SpawnErrorOnMissingExecutable(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), Spec{
		Command:   "definitely-not-a-real-command-xyz",
		TimeoutMs: 1000,
	})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.KindProvider))
}

func TestRunner_TimeoutKillsLongRunningCommand(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Command:   "sleep",
		Args:      []string{"5"},
		TimeoutMs: 50,
	})
	require.Error(t, err)
	assert.True(t, orcherr.Is(err, orcherr.KindTransient))
	require.NotNil(t, res)
	assert.True(t, res.TimedOut)
	assert.Less(t, res.Duration, 4*time.Second)
}

func TestRunner_KillAllSignalsLiveChildren(t *testing.T) {
	r := NewRunner()
	done := make(chan struct{})
	go func() {
		_, _ = r.Run(context.Background(), Spec{
			Command:   "sleep",
			Args:      []string{"5"},
			TimeoutMs: 4000,
		})
		close(done)
	}()

	require.Eventually(t, func() bool { return r.LiveCount() == 1 }, time.Second, 10*time.Millisecond)

	killed := r.KillAll()
	assert.Equal(t, 1, killed)
	<-done
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Command:   "sh",
		Args:      []string{"-c", "exit 3"},
		TimeoutMs: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}
