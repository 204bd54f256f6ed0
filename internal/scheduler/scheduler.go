// Package scheduler runs keyed one-shot jobs and recurring jobs in process.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"togglsync/internal/ports"
)

type pendingJob struct {
	gen   uint64
	runAt time.Time
	timer *time.Timer
}

// Scheduler implements ports.Scheduler. One-shot jobs are keyed: scheduling a
// key that is already pending replaces the earlier job. Job execution is
// bounded by a weighted semaphore.
type Scheduler struct {
	log *slog.Logger
	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingJob
	closed  bool
}

var _ ports.Scheduler = (*Scheduler)(nil)

// New returns a scheduler running at most workers one-shot jobs at a time.
func New(log *slog.Logger, workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log:     log,
		sem:     semaphore.NewWeighted(int64(workers)),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingJob),
	}
}

// ScheduleOnce runs job at runAt, replacing any job pending under key.
func (s *Scheduler) ScheduleOnce(key string, runAt time.Time, job ports.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if prev, ok := s.pending[key]; ok {
		prev.timer.Stop()
		s.log.Debug("job replaced", slog.String("key", key), slog.Time("previous_run_at", prev.runAt), slog.Time("run_at", runAt))
	}
	s.gen++
	gen := s.gen
	p := &pendingJob{gen: gen, runAt: runAt}
	p.timer = time.AfterFunc(max(time.Until(runAt), 0), func() { s.fire(key, gen, job) })
	s.pending[key] = p
}

// Pending reports when the job under key will run.
func (s *Scheduler) Pending(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return time.Time{}, false
	}
	return p.runAt, true
}

// Len returns the number of pending one-shot jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) fire(key string, gen uint64, job ports.Job) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if s.closed || !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)
	s.run(key, job)
}

// ScheduleRecurring runs job every interval until Shutdown. A failing or
// panicking run is logged and the schedule keeps going.
func (s *Scheduler) ScheduleRecurring(name string, interval time.Duration, job ports.Job) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Info("recurring job registered", slog.String("name", name), slog.Duration("interval", interval))
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.run(name, job)
			}
		}
	}()
}

func (s *Scheduler) run(name string, job ports.Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return job(s.ctx)
	}()
	if err != nil {
		s.log.Error("job failed", slog.String("job", name), slog.String("error", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}
	s.log.Debug("job finished", slog.String("job", name), slog.Duration("dur", time.Since(start)))
}

// Shutdown drops pending one-shot jobs, stops recurring jobs and waits for
// running jobs until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
