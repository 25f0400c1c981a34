// Package cron runs persisted schedule jobs on a minute-aligned ticker.
// Jobs target a session by id; firing publishes a synthetic inbound
// message through the callback the gateway registers.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// Payload names the session a job targets and the message it injects.
type Payload struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// Job is one persisted schedule entry.
type Job struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Schedule string  `json:"schedule"`
	Payload  Payload `json:"payload"`
	Enabled  bool    `json:"enabled"`
}

// OnJob handles one due job. Errors are logged; the job stays enabled.
type OnJob func(Job) error

// Scheduler owns the jobs file and the minute ticker.
type Scheduler struct {
	path string

	mu    sync.Mutex
	jobs  []Job
	onJob OnJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler loads the jobs file at path, starting empty when it does
// not exist yet.
func NewScheduler(path string) (*Scheduler, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	s := &Scheduler{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}
	if err := json.Unmarshal(data, &s.jobs); err != nil {
		return nil, fmt.Errorf("parse jobs file: %w", err)
	}
	return s, nil
}

// SetOnJob registers the firing callback.
func (s *Scheduler) SetOnJob(fn OnJob) {
	s.mu.Lock()
	s.onJob = fn
	s.mu.Unlock()
}

// AddJob validates the cron expression and persists a new enabled job.
func (s *Scheduler) AddJob(name, schedule, channel, message string) (Job, error) {
	if !gronx.New().IsValid(schedule) {
		return Job{}, fmt.Errorf("invalid cron expression %q", schedule)
	}
	job := Job{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Payload:  Payload{Channel: channel, Message: message},
		Enabled:  true,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.saveLocked()
	slog.Info("cron.job_added", "id", job.ID, "schedule", schedule, "channel", channel)
	return job, nil
}

// RemoveJobsByChannel drops every job targeting the session, returning
// how many were removed. Used when a chat is deleted.
func (s *Scheduler) RemoveJobsByChannel(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0]
	removed := 0
	for _, j := range s.jobs {
		if j.Payload.Channel == channel {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	if removed > 0 {
		s.saveLocked()
		slog.Info("cron.jobs_removed", "channel", channel, "count", removed)
	}
	return removed
}

// PurgeOrphanJobs drops jobs whose target session is gone. Called once
// at startup with the ids of sessions still in schedule mode.
func (s *Scheduler) PurgeOrphanJobs(known map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.jobs[:0]
	purged := 0
	for _, j := range s.jobs {
		if !known[j.Payload.Channel] {
			purged++
			slog.Info("cron.orphan_purged", "id", j.ID, "channel", j.Payload.Channel)
			continue
		}
		kept = append(kept, j)
	}
	s.jobs = kept
	if purged > 0 {
		s.saveLocked()
	}
	return purged
}

// Jobs returns a copy of the job list.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// Start launches the ticker goroutine. The first tick lands on the next
// wall-clock minute.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("cron.started", "jobs", len(s.Jobs()))
}

// Stop halts the ticker and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	slog.Info("cron.stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(untilNextMinute())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-timer.C:
			for _, job := range s.dueJobs(now.UTC()) {
				// Fire on its own goroutine so a blocked publish
				// cannot delay the other jobs or the next tick.
				go s.fire(job)
			}
			timer.Reset(untilNextMinute())
		}
	}
}

// RunPass fires every job due at now, synchronously. The heartbeat
// command uses it to run one scheduler pass without the ticker.
func (s *Scheduler) RunPass(now time.Time) int {
	due := s.dueJobs(now.UTC())
	for _, job := range due {
		s.fire(job)
	}
	return len(due)
}

func (s *Scheduler) dueJobs(now time.Time) []Job {
	s.mu.Lock()
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var due []Job
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		ok, err := gronx.New().IsDue(job.Schedule, now)
		if err != nil {
			slog.Warn("cron.expression_error", "id", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if ok {
			due = append(due, job)
		}
	}
	return due
}

func (s *Scheduler) fire(job Job) {
	s.mu.Lock()
	fn := s.onJob
	s.mu.Unlock()
	if fn == nil {
		return
	}
	slog.Debug("cron.job_due", "id", job.ID, "name", job.Name, "channel", job.Payload.Channel)
	if err := fn(job); err != nil {
		slog.Error("cron.job_failed", "id", job.ID, "name", job.Name, "error", err)
	}
}

func (s *Scheduler) saveLocked() {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		slog.Warn("cron.save_marshal_failed", "error", err)
		return
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		slog.Warn("cron.save_failed", "error", err)
	}
}

func untilNextMinute() time.Duration {
	now := time.Now()
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jobs-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
