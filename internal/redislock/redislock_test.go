package redislock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpen_InvalidURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-redis-url")
	assert.Error(t, err)
}

func TestTryLock_RejectsNonPositiveTTL(t *testing.T) {
	l := New(nil)
	_, ok, err := l.TryLock(context.Background(), "job", 0)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestWithKeyPrefix(t *testing.T) {
	l := New(nil, WithKeyPrefix("test:"))
	assert.Equal(t, "test:", l.keyPrefix)
	assert.Equal(t, "tiergate:lock:", New(nil).keyPrefix)
}
