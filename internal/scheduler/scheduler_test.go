package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(log.NewLogger())
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{
		Name:  "sweep",
		Every: time.Second,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RejectsBadJobs(t *testing.T) {
	s := New(log.NewLogger())
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(Job{Name: "zero", Every: 0, Run: noop}))
	assert.Error(t, s.Add(Job{Name: "nil", Every: time.Minute}))
	require.NoError(t, s.Add(Job{Name: "dup", Every: time.Minute, Run: noop}))
	assert.Error(t, s.Add(Job{Name: "dup", Every: time.Minute, Run: noop}))
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := New(log.NewLogger())
	started := make(chan struct{}, 1)
	var cancelled atomic.Bool
	require.NoError(t, s.Add(Job{
		Name:  "long",
		Every: time.Second,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, cancelled.Load())
	assert.NoError(t, s.Stop(ctx), "second stop is a no-op")
}
