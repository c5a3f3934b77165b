// Package retention deletes the oldest videos beyond a channel's numeric
// limit, removing their sidecars and pruning emptied directories
// (spec.md §4.9).
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/sidecar"
)

// Cleaner enforces per-channel retention under mediaRoot. Absolute-path
// containment is checked before any delete.
type Cleaner struct {
	dbx       *sql.DB
	mediaRoot string
}

func New(dbx *sql.DB, mediaRoot string) *Cleaner {
	return &Cleaner{dbx: dbx, mediaRoot: mediaRoot}
}

// Result reports what Apply did, for the caller's logging/statistics.
type Result struct {
	Deleted     int
	BytesFreed  int64
	FailedCount int
}

// Apply runs the retention algorithm for channel. Invariant: at least one
// video is always preserved, even when channel.Limit == 0.
func (c *Cleaner) Apply(ctx context.Context, channel model.Channel) (Result, error) {
	var res Result

	rows, err := db.CompletedOnDiskDownloads(ctx, c.dbx, channel.ChannelID)
	if err != nil {
		return res, fmt.Errorf("retention: list downloads for %s: %w", channel.ChannelID, err)
	}
	if len(rows) <= channel.Limit {
		return res, nil
	}

	surplus := len(rows) - channel.Limit
	// Preserve at least one video regardless of limit.
	if len(rows)-surplus < 1 {
		surplus = len(rows) - 1
	}
	if surplus <= 0 {
		return res, nil
	}
	// rows is ordered newest-first; the oldest `surplus` rows are the tail.
	toDelete := rows[len(rows)-surplus:]

	channelRoot := filepath.Join(c.mediaRoot, channel.DirName)
	for _, row := range toDelete {
		freed, err := c.deleteVideo(channelRoot, row)
		if err != nil {
			slog.Warn("retention: failed to delete video", slog.String("video_id", row.VideoID), slog.Any("err", err))
			res.FailedCount++
			continue
		}
		if err := db.MarkDownloadMissing(ctx, c.dbx, row.VideoID); err != nil {
			slog.Warn("retention: failed to mark download missing", slog.String("video_id", row.VideoID), slog.Any("err", err))
		}
		res.Deleted++
		res.BytesFreed += freed
	}

	if err := c.pruneEmptyYearDirs(channelRoot); err != nil {
		slog.Warn("retention: failed to prune year directories", slog.String("channel_id", channel.ChannelID), slog.Any("err", err))
	}

	slog.Info("retention: applied",
		slog.String("channel_id", channel.ChannelID), slog.Int("deleted", res.Deleted),
		slog.Int64("bytes_freed", res.BytesFreed), slog.Int("failed", res.FailedCount))
	return res, nil
}

// deleteVideo removes a video's directory (video file, info-json,
// thumbnail, subtitles, episode descriptor) after verifying it is
// contained under channelRoot.
func (c *Cleaner) deleteVideo(channelRoot string, row model.Download) (int64, error) {
	if row.FilePath == "" {
		return 0, fmt.Errorf("no file_path recorded for video %s", row.VideoID)
	}
	videoDir := row.FilePath
	if !isContainedUnder(videoDir, c.mediaRoot) {
		return 0, fmt.Errorf("refusing to delete path outside media root: %s", videoDir)
	}
	fi, err := os.Stat(videoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var size int64
	if fi.IsDir() {
		size, _ = dirSize(videoDir)
	} else {
		size = fi.Size()
		videoDir = filepath.Dir(videoDir)
	}
	if err := os.RemoveAll(videoDir); err != nil {
		return 0, fmt.Errorf("remove %s: %w", videoDir, err)
	}

	basename := filepath.Base(videoDir)
	if err := sidecar.CleanupVideo(videoDir, basename); err != nil {
		slog.Warn("retention: sidecar cleanup", slog.String("video_id", row.VideoID), slog.Any("err", err))
	}
	return size, nil
}

// pruneEmptyYearDirs walks each year directory under channelRoot and
// removes season.nfo + the directory itself if it contains no video
// folders (step 5 of the spec.md §4.9 algorithm).
func (c *Cleaner) pruneEmptyYearDirs(channelRoot string) error {
	entries, err := os.ReadDir(channelRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		yearDir := filepath.Join(channelRoot, e.Name())
		hasVideoFolder := false
		sub, err := os.ReadDir(yearDir)
		if err != nil {
			continue
		}
		for _, s := range sub {
			if s.IsDir() {
				hasVideoFolder = true
				break
			}
		}
		if hasVideoFolder {
			continue
		}
		_ = os.Remove(filepath.Join(yearDir, "season.nfo"))
		_ = os.Remove(yearDir)
	}
	return nil
}

func isContainedUnder(target, root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
