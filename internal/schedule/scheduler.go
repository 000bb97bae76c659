// Package schedule drives the pipeline's periodic work: the
// normalize -> detect -> AI-dispatch -> batch -> send tick and the
// archival sweep (spec §4.O, SPEC_FULL.md §3.O). It wraps go-co-op/gocron
// for local in-process cron ticking and a Lease for cross-replica
// single-flight execution, so running N replicas of the backend never
// runs the same tick N times.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobStatus is the lifecycle state of a single job run.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobProgress tracks one in-flight or completed run of a job.
type JobProgress struct {
	mu          sync.RWMutex
	Status      JobStatus
	ItemsDone   int64
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
}

func newJobProgress() *JobProgress {
	return &JobProgress{Status: JobStatusPending}
}

func (p *JobProgress) SetRunning(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobStatusRunning
	p.StartedAt = now
}

func (p *JobProgress) AddItems(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ItemsDone += n
}

func (p *JobProgress) Complete(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobStatusCompleted
	p.CompletedAt = now
}

func (p *JobProgress) Fail(now time.Time, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = JobStatusFailed
	p.Error = err.Error()
	p.CompletedAt = now
}

// Snapshot returns a copy safe to read without holding the lock.
func (p *JobProgress) Snapshot() JobProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return JobProgress{
		Status:      p.Status,
		ItemsDone:   p.ItemsDone,
		Error:       p.Error,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
}

// JobInfo is the externally-visible description of a registered job.
type JobInfo struct {
	Name        string
	Description string
	Cron        string
	LastRun     time.Time
	NextRun     time.Time
	Progress    JobProgress
}

// TaskFunc is the work a scheduled job performs. It receives a
// context bound to that single run and a progress tracker it may
// update as it goes.
type TaskFunc func(ctx context.Context, progress *JobProgress) error

type registeredJob struct {
	name        string
	description string
	cronExpr    string
	task        TaskFunc
	job         gocron.Job
	progress    *JobProgress
}

// Scheduler runs the fixed set of pipeline jobs on local cron triggers,
// gating each tick on a Lease so only one replica actually executes it.
type Scheduler struct {
	mu       sync.Mutex
	gocron   gocron.Scheduler
	jobs     map[string]*registeredJob
	leaseTTL time.Duration
	newLease func(key string) *Lease
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Scheduler. newLease constructs a fresh Lease for a given
// job name (typically backed by a shared Redis client) — injected so
// tests can back leases with an in-memory Redis such as miniredis.
func New(logger *slog.Logger, newLease func(key string) *Lease) (*Scheduler, error) {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	s := &Scheduler{
		gocron:   gs,
		jobs:     make(map[string]*registeredJob),
		leaseTTL: 30 * time.Second,
		newLease: newLease,
		logger:   logger,
		now:      time.Now,
	}
	gs.Start()
	return s, nil
}

// AddJob registers a named job on a cron expression. Each tick first
// tries to acquire this job's lease; a replica that loses the race
// skips the tick silently (another replica is already running it).
func (s *Scheduler) AddJob(name, description, cronExpr string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}

	rj := &registeredJob{name: name, description: description, cronExpr: cronExpr, task: task, progress: newJobProgress()}

	job, err := s.gocron.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() { s.runTick(rj) }),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	rj.job = job
	s.jobs[name] = rj
	return nil
}

func (s *Scheduler) runTick(rj *registeredJob) {
	ctx := context.Background()
	lease := s.newLease(fmt.Sprintf("schedule:lease:%s", rj.name))

	acquired, err := lease.TryAcquire(ctx)
	if err != nil {
		s.logger.Error("lease acquire failed", "job", rj.name, "error", err)
		return
	}
	if !acquired {
		s.logger.Debug("tick skipped, another replica holds the lease", "job", rj.name)
		return
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.logger.Warn("lease release failed", "job", rj.name, "error", err)
		}
	}()

	stop := s.renewLeaseInBackground(ctx, lease, rj.name)
	defer stop()

	now := s.now()
	rj.progress.SetRunning(now)
	s.logger.Info("job tick started", "job", rj.name)

	if err := rj.task(ctx, rj.progress); err != nil {
		rj.progress.Fail(s.now(), err)
		s.logger.Error("job tick failed", "job", rj.name, "error", err)
		return
	}
	rj.progress.Complete(s.now())
	s.logger.Info("job tick completed", "job", rj.name)
}

// renewLeaseInBackground keeps a long-running tick's lease alive at
// half the TTL, so a tick that runs longer than leaseTTL (e.g. a slow
// archival sweep) doesn't get its lease stolen mid-run.
func (s *Scheduler) renewLeaseInBackground(ctx context.Context, lease *Lease, jobName string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if ok, err := lease.Renew(ctx); err != nil {
					s.logger.Warn("lease renew failed", "job", jobName, "error", err)
				} else if !ok {
					s.logger.Warn("lost lease mid-run", "job", jobName)
				}
			}
		}
	}()
	return func() { close(done) }
}

// RunOnce executes a registered job immediately, out of band from its
// cron schedule, still gated by the lease. Used by admin endpoints
// ("run the archival sweep now") and by tests.
func (s *Scheduler) RunOnce(name string) error {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	s.runTick(rj)
	return nil
}

// ListJobs returns a stable-sorted snapshot of every registered job.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, rj := range s.jobs {
		info := JobInfo{
			Name:        rj.name,
			Description: rj.description,
			Cron:        rj.cronExpr,
			Progress:    rj.progress.Snapshot(),
		}
		if rj.job != nil {
			if lastRuns, err := rj.job.LastRun(); err == nil {
				info.LastRun = lastRuns
			}
			if nextRun, err := rj.job.NextRun(); err == nil {
				info.NextRun = nextRun
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetJob returns one job's current info.
func (s *Scheduler) GetJob(name string) (JobInfo, bool) {
	s.mu.Lock()
	rj, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return JobInfo{}, false
	}
	info := JobInfo{Name: rj.name, Description: rj.description, Cron: rj.cronExpr, Progress: rj.progress.Snapshot()}
	return info, true
}

// Stop shuts the scheduler down, letting in-flight ticks finish.
func (s *Scheduler) Stop() error {
	if err := s.gocron.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
