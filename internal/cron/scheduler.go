// Package cron runs scheduled gateway jobs and the agent heartbeat. Job
// schedules are standard cron expressions validated and evaluated with
// gronx; ticking happens on minute boundaries.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Job is one scheduled action, typically a message delivered to a channel.
type Job struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Schedule string `json:"schedule"` // 5-field cron expression
	Channel  string `json:"channel,omitempty"`
	Account  string `json:"account,omitempty"`
	Target   string `json:"target,omitempty"`
	Message  string `json:"message,omitempty"`
}

// JobStatus is one row of the cron.status result.
type JobStatus struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"nextRun"`
	LastRun  time.Time `json:"lastRun,omitzero"`
	LastErr  string    `json:"lastError,omitempty"`
}

// Status is the cron.status payload. Always the jobs array, never a count.
type Status struct {
	Jobs []JobStatus `json:"jobs"`
}

// ValidateSchedule rejects malformed cron expressions.
func ValidateSchedule(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// NextRun returns the first tick of expr strictly after ref.
func NextRun(expr string, ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, ref, false)
}

type jobState struct {
	job     Job
	next    time.Time
	lastRun time.Time
	lastErr string
}

// RunFunc executes one due job.
type RunFunc func(ctx context.Context, job Job) error

// Scheduler ticks registered jobs. Runs as a plugin-style service.
type Scheduler struct {
	logger *slog.Logger
	run    RunFunc

	mu   sync.Mutex
	jobs []*jobState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that executes due jobs with run.
func NewScheduler(run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, run: run}
}

// SetJobs replaces the job set. Every schedule must validate.
func (s *Scheduler) SetJobs(jobs []Job) error {
	now := time.Now()
	states := make([]*jobState, 0, len(jobs))
	for _, j := range jobs {
		if err := ValidateSchedule(j.Schedule); err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		next, err := NextRun(j.Schedule, now)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.ID, err)
		}
		states = append(states, &jobState{job: j, next: next})
	}
	s.mu.Lock()
	s.jobs = states
	s.mu.Unlock()
	return nil
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				for _, j := range s.due(now) {
					s.fire(loopCtx, j, now)
				}
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

// due collects jobs whose next tick has arrived and advances them.
func (s *Scheduler) due(now time.Time) []*jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*jobState
	for _, st := range s.jobs {
		if !st.next.After(now) {
			out = append(out, st)
			if next, err := NextRun(st.job.Schedule, now); err == nil {
				st.next = next
			}
		}
	}
	return out
}

func (s *Scheduler) fire(ctx context.Context, st *jobState, now time.Time) {
	err := s.run(ctx, st.job)
	s.mu.Lock()
	st.lastRun = now
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cron.job_failed", "job", st.job.ID, "error", err)
		return
	}
	s.logger.Info("cron.job_ran", "job", st.job.ID)
}

// Status reports every job with its next run.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Status{Jobs: make([]JobStatus, 0, len(s.jobs))}
	for _, st := range s.jobs {
		out.Jobs = append(out.Jobs, JobStatus{
			ID:       st.job.ID,
			Name:     st.job.Name,
			Schedule: st.job.Schedule,
			NextRun:  st.next,
			LastRun:  st.lastRun,
			LastErr:  st.lastErr,
		})
	}
	sort.Slice(out.Jobs, func(i, j int) bool { return out.Jobs[i].ID < out.Jobs[j].ID })
	return out
}
