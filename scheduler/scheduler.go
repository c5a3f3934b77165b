// Package scheduler implements the Scheduler Runtime (spec.md §4.12): a
// persistent cron engine, backed by the Badger-based Persistent Job Store
// (package jobstore) and separate from the Postgres application store,
// that fires the Scheduled Job on a schedule held in settings.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/onnwee/channelarchived/cron"
	"github.com/onnwee/channelarchived/jobstore"
	"github.com/onnwee/channelarchived/lock"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/scheduledjob"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/telemetry"
)

// mainJobID is the one job the Scheduler Runtime ever registers, per
// spec.md §3's invariant that at most one Persistent Job Store record
// exists under this id.
const mainJobID = "main_download_job"

const defaultCronExpr = "0 0 * * *"

// Scheduler owns the cron engine and the durable job record for
// main_download_job.
type Scheduler struct {
	JobStore *jobstore.Store
	Store    *settings.Store
	Lock     *lock.Locker
	Sweep    *scheduledjob.Job

	StaleLockAfter time.Duration

	mu      sync.Mutex
	engine  *rcron.Cron
	entryID rcron.EntryID
	trigger *cron.Trigger
}

func New(js *jobstore.Store, store *settings.Store, locker *lock.Locker, sweep *scheduledjob.Job, staleLockAfter time.Duration) *Scheduler {
	if staleLockAfter <= 0 {
		staleLockAfter = 2 * time.Hour
	}
	return &Scheduler{JobStore: js, Store: store, Lock: locker, Sweep: sweep, StaleLockAfter: staleLockAfter}
}

// Start clears a stale single-flight lock left over from a crashed prior
// run, reads the persisted schedule and enabled flag, and — if enabled —
// registers main_download_job with the cron engine. cron.SkipIfStillRunning
// guarantees at most one fire is ever in flight: a fire that comes due while
// a previous run is still executing is dropped, not queued. Fire times missed
// while the process was not running are not replayed on Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Lock.ClearStale(ctx, "scheduled_downloads", s.StaleLockAfter); err != nil {
		slog.Warn("scheduler: clear stale lock failed", slog.Any("err", err))
	}

	expr, ok, err := s.Store.Get(ctx, model.SettingCronSchedule)
	if err != nil {
		return fmt.Errorf("scheduler: read cron_schedule: %w", err)
	}
	if !ok || expr == "" {
		expr = defaultCronExpr
	}
	enabled, err := s.Store.GetBool(ctx, model.SettingSchedulerEnabled, true)
	if err != nil {
		return fmt.Errorf("scheduler: read scheduler_enabled: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine = rcron.New(rcron.WithChain(
		rcron.Recover(rcron.DefaultLogger),
		rcron.SkipIfStillRunning(rcron.DefaultLogger),
	))

	if enabled {
		trigger, verr := cron.Validate(expr)
		if verr != nil {
			return fmt.Errorf("scheduler: persisted cron_schedule %q invalid: %w", expr, verr)
		}
		s.trigger = trigger
		entryID, aerr := s.engine.AddFunc(expr, func() { s.fire(context.Background()) })
		if aerr != nil {
			return fmt.Errorf("scheduler: register %s: %w", mainJobID, aerr)
		}
		s.entryID = entryID

		next := trigger.Next(time.Now().UTC())
		if err := s.JobStore.Put(jobstore.Record{ID: mainJobID, Schedule: expr, Enabled: true, NextRun: next}); err != nil {
			slog.Warn("scheduler: persist job record failed", slog.Any("err", err))
		}
		telemetry.SetSchedulerNextRun(next)
		if err := s.Store.Put(ctx, model.SettingSchedulerNextRun, next.Format(time.RFC3339), ""); err != nil {
			slog.Warn("scheduler: persist scheduler_next_run failed", slog.Any("err", err))
		}
	} else {
		if err := s.JobStore.Put(jobstore.Record{ID: mainJobID, Schedule: expr, Enabled: false}); err != nil {
			slog.Warn("scheduler: persist disabled job record failed", slog.Any("err", err))
		}
	}

	s.engine.Start()

	if err := s.Store.Put(ctx, model.SettingSchedulerRunning, "true", ""); err != nil {
		slog.Warn("scheduler: persist scheduler_running flag failed", slog.Any("err", err))
	}

	recovered, _ := s.JobStore.List()
	slog.Info("scheduler: started",
		slog.Bool("enabled", enabled), slog.String("schedule", expr),
		slog.Int("recovered_jobs", len(recovered)))
	for _, rec := range recovered {
		slog.Info("scheduler: recovered job", slog.String("id", rec.ID),
			slog.String("schedule", rec.Schedule), slog.Time("next_run", rec.NextRun))
	}
	return nil
}

// Shutdown stops the cron engine, waiting for any in-flight fire to finish
// up to 10 seconds. Errors are logged, never returned, so callers can
// always proceed with process exit.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	if engine != nil {
		stopCtx := engine.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(10 * time.Second):
			slog.Warn("scheduler: shutdown timed out waiting for in-flight fire")
		}
	}
	if err := s.Store.Put(ctx, model.SettingSchedulerRunning, "false", ""); err != nil {
		slog.Warn("scheduler: persist scheduler_running=false failed", slog.Any("err", err))
	}
	slog.Info("scheduler: stopped")
}

// UpdateDownloadSchedule validates expr via the Cron Validator, persists it,
// and re-registers main_download_job against the running engine.
func (s *Scheduler) UpdateDownloadSchedule(ctx context.Context, expr string) error {
	trigger, err := cron.Validate(expr)
	if err != nil {
		return err
	}

	if err := s.Store.Put(ctx, model.SettingCronSchedule, trigger.Expr, ""); err != nil {
		return fmt.Errorf("scheduler: persist cron_schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine != nil {
		if s.entryID != 0 {
			s.engine.Remove(s.entryID)
		}
		entryID, aerr := s.engine.AddFunc(trigger.Expr, func() { s.fire(context.Background()) })
		if aerr != nil {
			return fmt.Errorf("scheduler: register updated schedule: %w", aerr)
		}
		s.entryID = entryID
	}
	s.trigger = trigger

	next := trigger.Next(time.Now().UTC())
	if err := s.JobStore.Put(jobstore.Record{ID: mainJobID, Schedule: trigger.Expr, Enabled: true, NextRun: next}); err != nil {
		slog.Warn("scheduler: persist updated job record failed", slog.Any("err", err))
	}
	telemetry.SetSchedulerNextRun(next)
	if err := s.Store.Put(ctx, model.SettingSchedulerNextRun, next.Format(time.RFC3339), ""); err != nil {
		slog.Warn("scheduler: persist scheduler_next_run failed", slog.Any("err", err))
	}
	return nil
}

// Status is the snapshot GetStatus returns.
type Status struct {
	Running              bool
	Enabled              bool
	Schedule             string
	NextRun              *time.Time
	LastRun              *time.Time
	SchedulerRunningFlag bool
	TotalJobs            int
}

// GetStatus reports the current schedule, whether a sweep is in flight,
// and the Persistent Job Store's bookkeeping for main_download_job.
func (s *Scheduler) GetStatus(ctx context.Context) (Status, error) {
	var st Status

	running, err := s.Lock.IsHeld(ctx, "scheduled_downloads")
	if err != nil {
		return st, fmt.Errorf("scheduler: read lock state: %w", err)
	}
	st.Running = running

	enabled, err := s.Store.GetBool(ctx, model.SettingSchedulerEnabled, true)
	if err != nil {
		return st, fmt.Errorf("scheduler: read scheduler_enabled: %w", err)
	}
	st.Enabled = enabled

	schedule, _, err := s.Store.Get(ctx, model.SettingCronSchedule)
	if err != nil {
		return st, fmt.Errorf("scheduler: read cron_schedule: %w", err)
	}
	if schedule == "" {
		schedule = defaultCronExpr
	}
	st.Schedule = schedule

	schedulerRunningFlag, err := s.Store.GetBool(ctx, model.SettingSchedulerRunning, false)
	if err != nil {
		return st, fmt.Errorf("scheduler: read scheduler_running: %w", err)
	}
	st.SchedulerRunningFlag = schedulerRunningFlag

	rec, err := s.JobStore.Get(mainJobID)
	if err != nil {
		return st, fmt.Errorf("scheduler: read job record: %w", err)
	}
	if rec != nil {
		if !rec.NextRun.IsZero() {
			next := rec.NextRun
			st.NextRun = &next
		}
		if !rec.LastRun.IsZero() {
			last := rec.LastRun
			st.LastRun = &last
		}
	}

	jobs, err := s.JobStore.List()
	if err != nil {
		return st, fmt.Errorf("scheduler: list jobs: %w", err)
	}
	st.TotalJobs = len(jobs)

	return st, nil
}

// fire is the cron callback: stamps LastRun before running the sweep so a
// crash mid-run never causes the next restart to immediately re-fire a job
// that (from the Persistent Job Store's view) never ran, then runs the
// sweep and advances NextRun.
func (s *Scheduler) fire(ctx context.Context) {
	now := time.Now().UTC()
	if err := s.JobStore.UpdateLastRun(mainJobID, now); err != nil {
		slog.Warn("scheduler: persist last_run before fire failed", slog.Any("err", err))
	}
	if err := s.Store.Put(ctx, model.SettingScheduledLastRun, now.Format(time.RFC3339), ""); err != nil {
		slog.Warn("scheduler: persist scheduled_downloads_last_run failed", slog.Any("err", err))
	}

	if err := s.Sweep.Run(ctx); err != nil {
		slog.Error("scheduler: sweep returned error", slog.Any("err", err))
	}

	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger == nil {
		return
	}
	next := trigger.Next(time.Now().UTC())
	if err := s.JobStore.UpdateNextRun(mainJobID, next); err != nil {
		slog.Warn("scheduler: persist next_run failed", slog.Any("err", err))
	}
	telemetry.SetSchedulerNextRun(next)
	if err := s.Store.Put(ctx, model.SettingSchedulerNextRun, next.Format(time.RFC3339), ""); err != nil {
		slog.Warn("scheduler: persist scheduler_next_run failed", slog.Any("err", err))
	}
}
