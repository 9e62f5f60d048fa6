package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail() (interface{}, error)    { return nil, errBoom }
func succeed() (interface{}, error) { return "ok", nil }

func TestConsecutiveBreakerOpensAfterThreshold(t *testing.T) {
	w := NewWrapper(ConsecutiveConfig("test-open", 3, 50*time.Millisecond))

	for i := 0; i < 2; i++ {
		_, err := w.Execute(fail)
		require.ErrorIs(t, err, errBoom)
		assert.True(t, w.IsClosed())
	}

	_, err := w.Execute(fail)
	require.ErrorIs(t, err, errBoom)
	assert.True(t, w.IsOpen())

	snap := w.Snapshot()
	assert.Equal(t, "open", snap.State)
	require.NotNil(t, snap.NextAttemptAt)
	require.NotNil(t, snap.LastFailure)

	_, err = w.Execute(succeed)
	assert.True(t, IsRejection(err))
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	w := NewWrapper(ConsecutiveConfig("test-half-open", 1, 20*time.Millisecond))

	_, _ = w.Execute(fail)
	require.True(t, w.IsOpen())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, w.State())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := w.Execute(func() (interface{}, error) {
			close(started)
			<-release
			return "ok", nil
		})
		done <- err
	}()

	<-started
	_, err := w.Execute(succeed)
	assert.ErrorIs(t, err, gobreaker.ErrTooManyRequests)

	close(release)
	require.NoError(t, <-done)
	assert.True(t, w.IsClosed())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	w := NewWrapper(ConsecutiveConfig("test-reopen", 1, 20*time.Millisecond))

	_, _ = w.Execute(fail)
	first := w.Snapshot().NextAttemptAt
	require.NotNil(t, first)

	time.Sleep(30 * time.Millisecond)
	_, err := w.Execute(fail)
	require.ErrorIs(t, err, errBoom)
	assert.True(t, w.IsOpen())

	second := w.Snapshot().NextAttemptAt
	require.NotNil(t, second)
	assert.True(t, second.After(*first))
}
