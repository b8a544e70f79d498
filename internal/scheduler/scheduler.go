// Package scheduler runs recurring jobs (the rule tick and the oracle
// refresh) on fixed intervals. A job never overlaps itself: it is off the
// queue while running and slots missed meanwhile are skipped.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is a recurring unit of work
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// RunAtStart fires the first run immediately instead of one interval in
	RunAtStart bool
	// Exclusive jobs run on one replica per slot when a Leaser is set
	Exclusive bool

	next  time.Time
	index int
}

// Leaser coordinates replicas so each slot runs on one of them
type Leaser interface {
	AcquireTickLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseTickLease(ctx context.Context, name, holder string) error
}

type jobQueue []*Job

func (jq jobQueue) Len() int { return len(jq) }

func (jq jobQueue) Less(i, j int) bool {
	return jq[i].next.Before(jq[j].next)
}

func (jq jobQueue) Swap(i, j int) {
	jq[i], jq[j] = jq[j], jq[i]
	jq[i].index = i
	jq[j].index = j
}

func (jq *jobQueue) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*jq)
	*jq = append(*jq, job)
}

func (jq *jobQueue) Pop() interface{} {
	old := *jq
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*jq = old[0 : n-1]
	return job
}

// Options configures a Scheduler
type Options struct {
	// Leaser is optional. Without it every replica runs every slot.
	Leaser Leaser
	Holder string
	// Poll is how often due jobs are checked for
	Poll   time.Duration
	Logger *slog.Logger
}

// Scheduler runs recurring jobs
type Scheduler struct {
	mu       sync.Mutex
	jobs     jobQueue
	names    map[string]bool
	leaser   Leaser
	holder   string
	poll     time.Duration
	logger   *slog.Logger
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewScheduler creates a new scheduler
func NewScheduler(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	return &Scheduler{
		jobs:     make(jobQueue, 0),
		names:    make(map[string]bool),
		leaser:   opts.Leaser,
		holder:   opts.Holder,
		poll:     opts.Poll,
		logger:   logger,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Add registers a recurring job. Jobs may be added before or after Start.
func (s *Scheduler) Add(job *Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names[job.Name] {
		return fmt.Errorf("job %s already scheduled", job.Name)
	}
	s.names[job.Name] = true

	job.next = s.now().Add(job.Interval)
	if job.RunAtStart {
		job.next = s.now()
	}
	heap.Push(&s.jobs, job)
	s.logger.Info("job scheduled", "job", job.Name, "interval", job.Interval.String())
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.processDueJobs(ctx)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.processDueJobs(ctx)
		}
	}
}

func (s *Scheduler) processDueJobs(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.jobs.Len() > 0 {
		job := s.jobs[0]
		if job.next.After(now) {
			break
		}
		heap.Pop(&s.jobs)

		s.wg.Add(1)
		go s.executeJob(ctx, job)
	}
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) {
	defer s.wg.Done()
	defer s.reschedule(job)

	if s.leaser != nil && job.Exclusive {
		// shorter than the interval so this replica's own next slot is free
		ttl := job.Interval * 3 / 4
		ok, err := s.leaser.AcquireTickLease(ctx, job.Name, s.holder, ttl)
		if err != nil {
			s.logger.Warn("lease check failed, running anyway", "job", job.Name, "error", err)
		} else if !ok {
			s.logger.Debug("slot taken by another replica", "job", job.Name)
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, job.Interval)
	defer cancel()

	start := s.now()
	err := s.safeRun(ctx, job)
	if err != nil {
		s.logger.Error("job execution failed", "job", job.Name, "error", err)
		if s.leaser != nil && job.Exclusive {
			// let another replica retry the slot
			if rerr := s.leaser.ReleaseTickLease(context.WithoutCancel(ctx), job.Name, s.holder); rerr != nil {
				s.logger.Warn("failed to release lease", "job", job.Name, "error", rerr)
			}
		}
		return
	}
	s.logger.Debug("job completed", "job", job.Name, "duration_ms", s.now().Sub(start).Milliseconds())
}

func (s *Scheduler) safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// reschedule puts the job back at its next slot after now
func (s *Scheduler) reschedule(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := job.next.Add(job.Interval)
	if !next.After(now) {
		missed := now.Sub(job.next) / job.Interval
		next = job.next.Add((missed + 1) * job.Interval)
	}
	job.next = next
	heap.Push(&s.jobs, job)
}
