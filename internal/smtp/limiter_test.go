package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter_MaxConns(t *testing.T) {
	l := NewConnectionLimiter(2, 0)

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.True(t, l.Acquire("10.0.0.1"))
	assert.False(t, l.Acquire("10.0.0.1"))
	assert.Equal(t, 2, l.Current("10.0.0.1"))

	// 其他 IP 不受影响
	assert.True(t, l.Acquire("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"))
}

func TestConnectionLimiter_Rate(t *testing.T) {
	l := NewConnectionLimiter(0, 2)

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.True(t, l.Acquire("10.0.0.1"))
	assert.False(t, l.Acquire("10.0.0.1"))
}

func TestConnectionLimiter_ReleaseUnknown(t *testing.T) {
	l := NewConnectionLimiter(1, 0)
	assert.NotPanics(t, func() { l.Release("never-seen") })
	assert.Equal(t, 0, l.Current("never-seen"))
}
