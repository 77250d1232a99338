// Package scheduler is the process's single periodic trigger source. Every
// job runs on one cron instance; a job whose previous run is still in
// progress is skipped rather than stacked.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is one periodic unit of work.
type JobFunc func(ctx context.Context)

// Scheduler wraps a seconds-resolution cron.
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	ctx    context.Context

	mu   sync.Mutex
	jobs map[string]registered
}

type registered struct {
	id    cron.EntryID
	every time.Duration
	fn    JobFunc
}

// New creates a scheduler whose jobs receive ctx.
func New(ctx context.Context, logger *zap.Logger) *Scheduler {
	named := logger.Named("scheduler")
	cl := cron.PrintfLogger(zap.NewStdLog(named))
	return &Scheduler{
		logger: named,
		ctx:    ctx,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs: make(map[string]registered),
	}
}

// Every registers fn to run at a fixed interval. Cron schedules have one
// second resolution; shorter intervals are rounded up.
func (s *Scheduler) Every(name string, every time.Duration, fn JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, every)
	}
	if every < time.Second {
		every = time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	id, err := s.cron.AddFunc("@every "+every.String(), func() {
		if s.ctx.Err() != nil {
			return
		}
		fn(s.ctx)
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.jobs[name] = registered{id: id, every: every, fn: fn}
	s.logger.Info("Job registered", zap.String("job", name), zap.Duration("every", every))
	return nil
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	job.fn(s.ctx)
	return nil
}

// Next returns the next scheduled run of a job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(job.id).Next, true
}

// JobStatus describes one registered job.
type JobStatus struct {
	Name  string    `json:"name"`
	Every string    `json:"every"`
	Next  time.Time `json:"next"`
	Prev  time.Time `json:"prev,omitempty"`
}

// Jobs lists the registered jobs by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make([]JobStatus, 0, len(names))
	for _, name := range names {
		next, _ := s.Next(name)
		s.mu.Lock()
		job := s.jobs[name]
		s.mu.Unlock()
		out = append(out, JobStatus{
			Name:  name,
			Every: job.every.String(),
			Next:  next,
			Prev:  s.cron.Entry(job.id).Prev,
		})
	}
	return out
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	done := s.cron.Stop()
	s.logger.Info("Scheduler stopping")
	return done
}
