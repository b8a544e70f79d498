package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJobsRecurWithoutOverlap(t *testing.T) {
	s := NewScheduler(Options{Poll: 2 * time.Millisecond, Logger: quietLogger()})

	var (
		runs     atomic.Int32
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	require.NoError(t, s.Add(&Job{
		Name:       "tick",
		Interval:   10 * time.Millisecond,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			if inFlight.Add(1) > 1 {
				overlap.Store(true)
			}
			defer inFlight.Add(-1)
			runs.Add(1)
			time.Sleep(15 * time.Millisecond)
			return nil
		},
	}))

	s.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(3))
	assert.False(t, overlap.Load(), "a job never runs concurrently with itself")
}

func TestAddValidation(t *testing.T) {
	s := NewScheduler(Options{Logger: quietLogger()})
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Add(&Job{Name: "", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "x", Interval: 0, Run: noop}))
	require.NoError(t, s.Add(&Job{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, s.Add(&Job{Name: "x", Interval: time.Second, Run: noop}), "duplicate name")
}

func TestPanickingJobKeepsRunning(t *testing.T) {
	s := NewScheduler(Options{Poll: 2 * time.Millisecond, Logger: quietLogger()})

	var runs atomic.Int32
	require.NoError(t, s.Add(&Job{
		Name:       "boom",
		Interval:   5 * time.Millisecond,
		RunAtStart: true,
		Run: func(context.Context) error {
			runs.Add(1)
			panic("bad job")
		},
	}))

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, runs.Load(), int32(2))
}

type fakeLeaser struct {
	mu       sync.Mutex
	grant    bool
	acquired int
	released int
}

func (l *fakeLeaser) AcquireTickLease(context.Context, string, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquired++
	return l.grant, nil
}

func (l *fakeLeaser) ReleaseTickLease(context.Context, string, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

func TestLeaseGatesRuns(t *testing.T) {
	t.Run("lease held elsewhere", func(t *testing.T) {
		leaser := &fakeLeaser{grant: false}
		s := NewScheduler(Options{Leaser: leaser, Holder: "replica-b", Poll: 2 * time.Millisecond, Logger: quietLogger()})

		var runs atomic.Int32
		require.NoError(t, s.Add(&Job{Name: "tick", Interval: 10 * time.Millisecond, RunAtStart: true, Exclusive: true,
			Run: func(context.Context) error { runs.Add(1); return nil }}))

		s.Start(context.Background())
		time.Sleep(40 * time.Millisecond)
		s.Stop()

		assert.Zero(t, runs.Load())
		assert.Positive(t, leaser.acquired)
	})

	t.Run("failed run releases the slot", func(t *testing.T) {
		leaser := &fakeLeaser{grant: true}
		s := NewScheduler(Options{Leaser: leaser, Holder: "replica-a", Poll: 2 * time.Millisecond, Logger: quietLogger()})

		require.NoError(t, s.Add(&Job{Name: "tick", Interval: time.Hour, RunAtStart: true, Exclusive: true,
			Run: func(context.Context) error { return errors.New("oracle outage") }}))

		s.Start(context.Background())
		time.Sleep(20 * time.Millisecond)
		s.Stop()

		leaser.mu.Lock()
		defer leaser.mu.Unlock()
		assert.Equal(t, 1, leaser.acquired)
		assert.Equal(t, 1, leaser.released)
	})

	t.Run("non-exclusive jobs ignore the lease", func(t *testing.T) {
		leaser := &fakeLeaser{grant: false}
		s := NewScheduler(Options{Leaser: leaser, Holder: "replica-b", Poll: 2 * time.Millisecond, Logger: quietLogger()})

		var runs atomic.Int32
		require.NoError(t, s.Add(&Job{Name: "oracles", Interval: time.Hour, RunAtStart: true,
			Run: func(context.Context) error { runs.Add(1); return nil }}))

		s.Start(context.Background())
		time.Sleep(20 * time.Millisecond)
		s.Stop()

		assert.Equal(t, int32(1), runs.Load())
		assert.Zero(t, leaser.acquired)
	})
}

func TestRescheduleSkipsMissedSlots(t *testing.T) {
	s := NewScheduler(Options{Logger: quietLogger()})
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base.Add(3*time.Minute + 10*time.Second) }

	job := &Job{Name: "tick", Interval: time.Minute, next: base}
	s.reschedule(job)

	assert.Equal(t, base.Add(4*time.Minute), job.next)
}
