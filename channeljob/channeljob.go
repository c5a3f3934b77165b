// Package channeljob implements the per-channel orchestration step:
// discovery -> dedup -> download-loop -> sidecars -> retention -> history
// (spec.md §4.10).
package channeljob

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/dedup"
	"github.com/onnwee/channelarchived/discovery"
	"github.com/onnwee/channelarchived/downloader"
	"github.com/onnwee/channelarchived/errs"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/retention"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/sidecar"
	"github.com/onnwee/channelarchived/telemetry"
)

// defaultVideoLimit is the fallback used when a channel's own limit is
// unset and the default_video_limit setting is also unset.
const defaultVideoLimit = 10

// Job wires the collaborators one Channel Job run needs. A new dedup
// Resolver (and therefore a fresh disk-scan cache) is created per Process
// call.
type Job struct {
	DB         *sql.DB
	MediaRoot  string
	Store      *settings.Store
	Discovery  *discovery.Adapter
	Downloader *downloader.Downloader
	Sidecar    *sidecar.Writer
	Retention  *retention.Cleaner
}

func New(dbx *sql.DB, mediaRoot string, store *settings.Store, disc *discovery.Adapter, dl *downloader.Downloader, sc *sidecar.Writer, ret *retention.Cleaner) *Job {
	return &Job{DB: dbx, MediaRoot: mediaRoot, Store: store, Discovery: disc, Downloader: dl, Sidecar: sc, Retention: ret}
}

// Outcome reports the per-channel counts the Scheduled Job aggregates into
// its run summary.
type Outcome struct {
	Downloaded int
	Skipped    int
	Failed     int
	Found      int
}

// Process runs the full per-channel pipeline.
func (j *Job) Process(ctx context.Context, channel model.Channel) (Outcome, error) {
	var out Outcome
	start := time.Now()
	defer func() { telemetry.ChannelJobDuration.Observe(time.Since(start).Seconds()) }()

	historyID, err := db.InsertHistoryRunning(ctx, j.DB, channel.ChannelID)
	if err != nil {
		return out, err
	}

	limit := channel.Limit
	if limit <= 0 {
		limit = defaultVideoLimit
		if j.Store != nil {
			if configured, err := j.Store.GetInt(ctx, model.SettingDefaultVideoLimit, defaultVideoLimit); err != nil {
				slog.Warn("channeljob: read default_video_limit failed", slog.Any("err", err))
			} else {
				limit = configured
			}
		}
	}
	candidates, discErr := j.Discovery.ListRecent(ctx, channel.SourceURL, limit)
	if discErr != nil {
		telemetry.RecordDiscoveryCall(channel.ChannelID, "error")
		_ = db.CompleteHistory(ctx, j.DB, historyID, model.HistoryFailed, 0, 0, 0, 0, errs.Truncate(discErr.Error()))
		_ = db.TouchChannelLastCheck(ctx, j.DB, channel.ChannelID)
		return out, discErr
	}
	telemetry.RecordDiscoveryCall(channel.ChannelID, "ok")
	out.Found = len(candidates)

	resolver := dedup.New(j.DB, j.MediaRoot)
	yearsTouched := make(map[string]bool)

	for _, cand := range candidates {
		need, _, derr := resolver.ShouldDownload(ctx, cand.VideoID, channel)
		if derr != nil {
			slog.Warn("channeljob: dedup check failed", slog.String("video_id", cand.VideoID), slog.Any("err", derr))
			out.Failed++
			continue
		}
		if !need {
			out.Skipped++
			continue
		}

		row, dlErr := j.Downloader.Download(ctx, j.DB, channel, cand.VideoID)
		if dlErr != nil {
			out.Failed++
			slog.Warn("channeljob: download failed", slog.String("video_id", cand.VideoID), slog.Any("err", dlErr))
			continue
		}
		out.Downloaded++

		j.writeSidecars(channel, row, yearsTouched)
	}

	res, retErr := j.Retention.Apply(ctx, channel)
	if retErr != nil {
		slog.Warn("channeljob: retention apply failed", slog.String("channel_id", channel.ChannelID), slog.Any("err", retErr))
	} else {
		telemetry.RecordRetentionBytesFreed(channel.ChannelID, res.BytesFreed)
	}

	status := model.HistoryCompleted
	if err := db.CompleteHistory(ctx, j.DB, historyID, status, out.Found, out.Downloaded, out.Skipped, out.Failed, ""); err != nil {
		return out, err
	}
	if err := db.TouchChannelLastCheck(ctx, j.DB, channel.ChannelID); err != nil {
		return out, err
	}
	return out, nil
}

// writeSidecars emits the episode descriptor for a completed download,
// plus the season descriptor the first time a year is seen this run, and
// the tvshow descriptor once per run (idempotent given overwrite_existing_nfo).
func (j *Job) writeSidecars(channel model.Channel, row *model.Download, yearsTouched map[string]bool) {
	if j.Sidecar == nil || row == nil || row.FilePath == "" {
		return
	}
	telemetry.TimeFunc(telemetry.SidecarWriteDuration, func() {
		videoDir := row.FilePath
		basename := filepath.Base(videoDir)
		year := ""
		if len(row.UploadDate) >= 4 {
			year = row.UploadDate[:4]
		}

		if err := j.Sidecar.WriteEpisode(videoDir, basename, sidecar.EpisodeMeta{
			VideoID:    row.VideoID,
			Title:      row.Title,
			ShowTitle:  channel.Name,
			Plot:       row.Description,
			Language:   row.Language,
			UploadDate: row.UploadDate,
			DurationS:  row.Duration,
			Director:   row.Uploader,
			Categories: row.Categories,
			Tags:       row.Tags,
		}); err != nil {
			telemetry.SidecarsFailed.Inc()
			slog.Warn("channeljob: episode descriptor failed", slog.String("video_id", row.VideoID), slog.Any("err", err))
		} else {
			telemetry.SidecarsWritten.Inc()
		}

		if year != "" && !yearsTouched[year] {
			yearDir := filepath.Join(j.MediaRoot, channel.DirName, year)
			if err := j.Sidecar.WriteSeason(yearDir, year); err != nil {
				slog.Warn("channeljob: season descriptor failed", slog.String("year", year), slog.Any("err", err))
			}
			yearsTouched[year] = true
		}

		if !yearsTouched[tvshowSentinel] {
			channelDir := filepath.Join(j.MediaRoot, channel.DirName)
			if err := j.Sidecar.WriteTVShow(channelDir, sidecar.TVShowMeta{
				ChannelID: channel.ChannelID,
				Name:      channel.Name,
			}); err != nil {
				slog.Warn("channeljob: tvshow descriptor failed", slog.String("channel_id", channel.ChannelID), slog.Any("err", err))
			}
			yearsTouched[tvshowSentinel] = true
		}
	})
}

// tvshowSentinel is a non-year key piggybacking on the per-run yearsTouched
// map so the tvshow descriptor, like the season descriptor, is written at
// most once per Process call.
const tvshowSentinel = "_tvshow"
