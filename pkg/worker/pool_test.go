package worker

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	metrics.EnableMetrics(false)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestPoolRunsAndDrains(t *testing.T) {
	pool := NewPool(2, time.Second, quietLogger())
	pool.Start()

	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		pool.Go("count", nil, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		})
	}

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(20), ran.Load())

	stats := pool.Stats()
	assert.Equal(t, int64(20), stats.Completed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPoolRecoversPanicsAndCountsFailures(t *testing.T) {
	pool := NewPool(1, time.Second, quietLogger())
	pool.Start()

	pool.Go("boom", nil, func(ctx context.Context) error { panic("bad") })
	pool.Go("fail", nil, func(ctx context.Context) error { return errors.New("nope") })
	pool.Go("ok", nil, func(ctx context.Context) error { return nil })

	require.NoError(t, pool.Stop(context.Background()))
	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestPoolDropsAfterStop(t *testing.T) {
	pool := NewPool(1, time.Second, quietLogger())
	pool.Start()
	require.NoError(t, pool.Stop(context.Background()))

	called := false
	pool.Go("late", nil, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPoolStopDeadline(t *testing.T) {
	pool := NewPool(1, time.Minute, quietLogger())
	pool.Start()

	pool.Go("slow", nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Stop(ctx), context.DeadlineExceeded)
}

func TestInlineLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	runner := NewInline(logger)

	runner.Go("flush_transcript", logrus.Fields{"call_id": "c1"}, func(ctx context.Context) error {
		return errors.New("db down")
	})

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "c1", entry.Data["call_id"])
	assert.Equal(t, "flush_transcript", entry.Data["task"])
}
