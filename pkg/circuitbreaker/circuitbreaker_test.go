package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             50 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	}
}

func fail() error { return errDownstream }
func ok() error   { return nil }

func TestStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(ok))
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errDownstream)
	}

	err := cb.Execute(ok)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	cb.Execute(fail)
	cb.Execute(fail)
	require.NoError(t, cb.Execute(ok))
	cb.Execute(fail)
	cb.Execute(fail)

	// 从未连续失败到阈值，保持关闭
	assert.NoError(t, cb.Execute(ok))
}

func TestHalfOpenAfterTimeoutThenCloses(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(fail)
	}
	require.ErrorIs(t, cb.Execute(ok), ErrCircuitBreakerOpen)

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ok))

	assert.NoError(t, cb.Execute(ok))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(fail)
	}
	require.ErrorIs(t, cb.Execute(ok), ErrCircuitBreakerOpen)
	time.Sleep(60 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(fail), errDownstream)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ok), ErrCircuitBreakerOpen)
}

func TestReset(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())

	for i := 0; i < 3; i++ {
		cb.Execute(fail)
	}
	cb.Reset()

	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(ok))
}
