package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntDefault(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3*time.Second, IntSecondDefault(0, 3*time.Second))
	assert.Equal(t, 7*time.Second, IntSecondDefault(7, 3*time.Second))
	assert.Equal(t, 100*time.Millisecond, IntMillisecondDefault(0, 100*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, IntMillisecondDefault(250, 100*time.Millisecond))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	assert.True(t, Sleep(context.Background(), time.Millisecond, nil))

	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	begin := time.Now()
	assert.True(t, Sleep(context.Background(), time.Hour, wake))
	assert.Less(t, int64(time.Since(begin)), int64(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour, nil))
}
