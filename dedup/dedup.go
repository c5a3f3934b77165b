// Package dedup decides whether a candidate video must be downloaded,
// combining the Downloads table with a cached filesystem scan of the
// channel's media directory (spec.md §4.6).
package dedup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/model"
)

// Resolver decides download necessity for one Channel Job. A fresh
// Resolver must be created per channel run so its disk-scan cache reflects
// that run's media directory exactly once.
type Resolver struct {
	dbx       *sql.DB
	mediaRoot string

	scanned  bool
	onDisk   map[string]bool // video_id -> present
	scanErr  error
}

func New(dbx *sql.DB, mediaRoot string) *Resolver {
	return &Resolver{dbx: dbx, mediaRoot: mediaRoot}
}

// ShouldDownload applies the four-step decision order from spec.md §4.6.
func (r *Resolver) ShouldDownload(ctx context.Context, videoID string, channel model.Channel) (bool, *model.Download, error) {
	existing, err := db.GetDownloadByVideoID(ctx, r.dbx, videoID)
	if err != nil {
		return false, nil, err
	}
	if existing != nil {
		if existing.Status == model.StatusCompleted && existing.FileExists {
			return false, existing, nil
		}
		if !existing.FileExists {
			return true, existing, nil
		}
	}

	onDisk, err := r.diskHasVideo(channel, videoID)
	if err != nil {
		return false, nil, err
	}
	if onDisk {
		row := &model.Download{
			ChannelID:  channel.ChannelID,
			VideoID:    videoID,
			Title:      "Found on disk",
			FileExists: true,
			Status:     model.StatusCompleted,
			CreatedAt:  time.Now().UTC(),
		}
		if err := db.UpsertDownload(ctx, r.dbx, row); err != nil {
			return false, nil, err
		}
		return false, row, nil
	}

	return true, nil, nil
}

// diskHasVideo reports whether videoID appears in any non-.part filename
// under channel.DirName, walking the directory at most once per Resolver.
func (r *Resolver) diskHasVideo(channel model.Channel, videoID string) (bool, error) {
	if !r.scanned {
		r.onDisk, r.scanErr = r.scanChannelDir(channel)
		r.scanned = true
	}
	if r.scanErr != nil {
		return false, r.scanErr
	}
	return r.onDisk[videoID], nil
}

func (r *Resolver) scanChannelDir(channel model.Channel) (map[string]bool, error) {
	ids := make(map[string]bool)
	root := filepath.Join(r.mediaRoot, channel.DirName)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".part") {
			return nil
		}
		if id, ok := videoIDFromName(name); ok {
			ids[id] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dedup: scan %s: %w", root, err)
	}
	return ids, nil
}

// videoIDFromName extracts the id out of a "[<video_id>]" bracketed
// substring, the on-disk ground truth invariant from spec.md §3.
func videoIDFromName(name string) (string, bool) {
	open := strings.LastIndex(name, "[")
	if open < 0 {
		return "", false
	}
	close := strings.Index(name[open:], "]")
	if close < 0 {
		return "", false
	}
	id := name[open+1 : open+close]
	if id == "" {
		return "", false
	}
	return id, true
}
