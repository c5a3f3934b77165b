// Package scheduledjob implements the Scheduled Job (spec.md §4.11): one
// fire of the download sweep, guarded by the Single-Flight Lock, iterating
// enabled channels then draining the manual-trigger queue, and writing a
// run summary to settings. Top-level exception containment lives here —
// no error or panic from a sweep body ever escapes to the Scheduler
// Runtime.
package scheduledjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/channelarchived/channeljob"
	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/errs"
	"github.com/onnwee/channelarchived/lock"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/queue"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/telemetry"
)

const lockName = "scheduled_downloads"

// discoveryRetryDelay is the baseline/minimum delay spec.md §7 requires
// between the two allowed attempts at a discovery-transient failure,
// jittered per SPEC_FULL.md §6 to avoid every retry landing on the same
// wall-clock instant as an adjacent channel's.
const discoveryRetryDelay = 30 * time.Second
const discoveryRetryJitter = 5 * time.Second

// Job wires one sweep's collaborators.
type Job struct {
	DB               *sql.DB
	Store            *settings.Store
	Lock             *lock.Locker
	Queue            *queue.Queue
	ChannelJob       *channeljob.Job
	QueueMaxAge      time.Duration
	CircuitThreshold int
}

func New(dbx *sql.DB, store *settings.Store, locker *lock.Locker, q *queue.Queue, cj *channeljob.Job, queueMaxAge time.Duration, circuitThreshold int) *Job {
	if circuitThreshold <= 0 {
		circuitThreshold = 3
	}
	return &Job{DB: dbx, Store: store, Lock: locker, Queue: q, ChannelJob: cj, QueueMaxAge: queueMaxAge, CircuitThreshold: circuitThreshold}
}

// Run acquires the single-flight lock and executes one sweep. A held lock
// is downgraded to a warning log, never an error (spec.md §4.11 step 1).
// Any panic inside the body is recovered here so it can never propagate
// into the Scheduler Runtime's cron engine.
func (j *Job) Run(ctx context.Context) (err error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			telemetry.LoggerWithCorr(ctx).Error("scheduledjob: recovered panic in sweep body", slog.Any("panic", r))
			err = nil
		}
	}()

	lockErr := j.Lock.WithLock(ctx, lockName, j.runBody)
	if errors.Is(lockErr, lock.ErrLockHeld) {
		telemetry.LoggerWithCorr(ctx).Warn("scheduledjob: sweep already running, skipping this fire")
		return nil
	}
	if lockErr != nil {
		telemetry.LoggerWithCorr(ctx).Error("scheduledjob: sweep body returned error", slog.Any("err", lockErr))
	}
	return nil
}

func (j *Job) runBody(ctx context.Context) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduledjob", "sweep")
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	start := time.Now().UTC()
	telemetry.ScheduledRuns.Inc()

	if err := j.Queue.DrainStale(ctx, start, j.QueueMaxAge); err != nil {
		slog.Warn("scheduledjob: drain-stale failed", slog.Any("err", err))
	}
	if depth, err := j.Queue.Len(ctx); err == nil {
		telemetry.SetQueueDepth(depth)
	}

	channels, err := db.ListEnabledChannels(ctx, j.DB)
	if err != nil {
		return fmt.Errorf("scheduledjob: list enabled channels: %w", err)
	}

	summary := model.RunSummary{StartTime: start, TotalChannels: len(channels)}
	if len(channels) == 0 {
		slog.Info("scheduledjob: no enabled channels, skipping to statistics")
	}

	consecutiveTransient := 0
	circuitOpen := false
	for _, ch := range channels {
		outcome, perr := j.runChannel(ctx, ch, !circuitOpen)
		summary.TotalVideos += outcome.Downloaded
		if perr == nil {
			summary.SuccessfulChannels++
			consecutiveTransient = 0
			continue
		}
		summary.FailedChannels++
		if errs.KindOf(perr) != errs.KindDiscoveryTransient {
			consecutiveTransient = 0
			continue
		}
		consecutiveTransient++
		telemetry.IncrementCircuitFailures()
		if !circuitOpen && consecutiveTransient >= j.CircuitThreshold {
			circuitOpen = true
			telemetry.SetCircuitState("open")
			telemetry.RecordCircuitStateChange("closed", "open")
			_ = j.Store.Put(ctx, model.SettingDiscoveryCircuitState, "open", "")
			slog.Warn("scheduledjob: discovery circuit opened, skipping retry backoff for remainder of sweep",
				slog.Int("consecutive_transient_failures", consecutiveTransient))
		}
	}
	if circuitOpen {
		telemetry.SetCircuitState("closed")
		telemetry.RecordCircuitStateChange("open", "closed")
		_ = j.Store.Put(ctx, model.SettingDiscoveryCircuitState, "closed", "")
	}

	for {
		entry, perr := j.Queue.Pop(ctx)
		if perr != nil {
			slog.Warn("scheduledjob: queue pop failed", slog.Any("err", perr))
			break
		}
		if entry == nil {
			break
		}
		ch, gerr := db.GetChannel(ctx, j.DB, entry.ChannelID)
		if gerr != nil || ch == nil || !ch.Enabled {
			slog.Warn("scheduledjob: skipping manual-trigger entry for missing/disabled channel",
				slog.String("channel_id", entry.ChannelID), slog.String("user", entry.User))
			continue
		}
		outcome, derr := j.ChannelJob.Process(ctx, *ch)
		summary.TotalVideos += outcome.Downloaded
		if derr != nil {
			slog.Warn("scheduledjob: manual-trigger channel job failed",
				slog.String("channel_id", ch.ChannelID), slog.Any("err", derr))
		}
	}
	if depth, err := j.Queue.Len(ctx); err == nil {
		telemetry.SetQueueDepth(depth)
	}

	duration := time.Since(start)
	summary.DurationSeconds = duration.Seconds()
	telemetry.SweepDuration.Observe(duration.Seconds())
	j.updateAvgSweepMS(ctx, float64(duration.Milliseconds()))

	if body, merr := json.Marshal(summary); merr == nil {
		if perr := j.Store.Put(ctx, model.SettingScheduledLastRunSummary, string(body), ""); perr != nil {
			slog.Warn("scheduledjob: failed to persist run summary", slog.Any("err", perr))
		}
	} else {
		slog.Warn("scheduledjob: failed to marshal run summary", slog.Any("err", merr))
	}

	return nil
}

// runChannel calls ChannelJob.Process once, retrying a single time after a
// jittered ~30s delay if the failure classifies as discovery-transient and
// allowRetry is true (false once the sweep's circuit breaker has opened).
func (j *Job) runChannel(ctx context.Context, ch model.Channel, allowRetry bool) (channeljob.Outcome, error) {
	outcome, err := j.ChannelJob.Process(ctx, ch)
	if err == nil || errs.KindOf(err) != errs.KindDiscoveryTransient || !allowRetry {
		return outcome, err
	}

	slog.Warn("scheduledjob: channel job failed transiently, retrying once",
		slog.String("channel_id", ch.ChannelID), slog.Any("err", err))
	delay := discoveryRetryDelay + time.Duration(rand.Int63n(int64(discoveryRetryJitter)))
	select {
	case <-ctx.Done():
		return outcome, ctx.Err()
	case <-time.After(delay):
	}
	return j.ChannelJob.Process(ctx, ch)
}

// updateAvgSweepMS maintains an exponential moving average (alpha=0.2) of
// sweep duration in settings under scheduler_avg_sweep_ms. GetStatus does
// not report it.
func (j *Job) updateAvgSweepMS(ctx context.Context, newVal float64) {
	const alpha = 0.2
	raw, ok, err := j.Store.Get(ctx, model.SettingSchedulerAvgSweepMS)
	if err != nil {
		slog.Warn("scheduledjob: read avg sweep ms failed", slog.Any("err", err))
		return
	}
	var next float64
	if !ok || raw == "" {
		next = newVal
	} else if old, perr := strconv.ParseFloat(raw, 64); perr == nil {
		next = alpha*newVal + (1-alpha)*old
	} else {
		next = newVal
	}
	if err := j.Store.Put(ctx, model.SettingSchedulerAvgSweepMS, strconv.FormatFloat(next, 'f', 0, 64), ""); err != nil {
		slog.Warn("scheduledjob: write avg sweep ms failed", slog.Any("err", err))
	}
}
