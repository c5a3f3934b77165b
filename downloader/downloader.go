// Package downloader invokes the extraction tool to fetch one video into
// the fixed on-disk layout (spec.md §3/§4.7), promoting it atomically from
// a scratch directory into the media library on success.
package downloader

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/errs"
	"github.com/onnwee/channelarchived/model"
)

// Downloader wraps the extraction-tool subprocess with the profile of
// flags spec.md §4.7 mandates: info-JSON, embedded+file thumbnail,
// en/es subtitles (no live chat), single merged container, atomic
// temp-to-final promotion.
type Downloader struct {
	Binary              string
	MediaRoot           string
	TempRoot            string
	CookiePath          string
	FragmentConcurrency int
	MaxAttempts         int
	BaseBackoff         time.Duration
}

func New(binary, mediaRoot, tempRoot, cookiePath string, fragmentConcurrency int) *Downloader {
	return &Downloader{
		Binary:              binary,
		MediaRoot:           mediaRoot,
		TempRoot:            tempRoot,
		CookiePath:          cookiePath,
		FragmentConcurrency: fragmentConcurrency,
		MaxAttempts:         5,
		BaseBackoff:         2 * time.Second,
	}
}

// videoInfoJSON is the subset of yt-dlp's info-JSON sidecar the Sidecar
// Writer and retention accounting need back.
type videoInfoJSON struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	UploadDate  string   `json:"upload_date"`
	Duration    float64  `json:"duration"`
	Uploader    string   `json:"uploader"`
	Description string   `json:"description"`
	Language    string   `json:"language"`
	Categories  []string `json:"categories"`
	Tags        []string `json:"tags"`
}

// Download fetches videoID for channel, writing the Download row's status
// transitions (pending -> downloading -> completed|failed) as it goes.
// Individual failures are returned to the caller but never panic; the
// caller (Channel Job) is responsible for continuing past them.
func (d *Downloader) Download(ctx context.Context, dbx *sql.DB, channel model.Channel, videoID string) (*model.Download, error) {
	row := &model.Download{
		ChannelID: channel.ChannelID,
		VideoID:   videoID,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.UpsertDownload(ctx, dbx, row); err != nil {
		return nil, fmt.Errorf("downloader: mark pending: %w", err)
	}

	if !acquireSlot(ctx) {
		return nil, ctx.Err()
	}
	defer releaseSlot()

	row.Status = model.StatusDownloading
	if err := db.UpsertDownload(ctx, dbx, row); err != nil {
		return nil, fmt.Errorf("downloader: mark downloading: %w", err)
	}

	tempDir, err := os.MkdirTemp(d.TempRoot, "dl-"+sanitizeTempName(videoID)+"-")
	if err != nil {
		return d.fail(ctx, dbx, row, errs.New(errs.KindFilesystem, err))
	}
	defer os.RemoveAll(tempDir)

	info, finalDir, err := d.runExtractor(ctx, tempDir, channel, videoID)
	if err != nil {
		return d.fail(ctx, dbx, row, err)
	}

	target := filepath.Join(d.MediaRoot, channel.DirName, finalDir)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return d.fail(ctx, dbx, row, errs.New(errs.KindFilesystem, err))
	}
	srcLeaf := filepath.Join(tempDir, finalDir)
	if err := os.Rename(srcLeaf, target); err != nil {
		return d.fail(ctx, dbx, row, errs.Newf(errs.KindFilesystem, "promote %s: %w", srcLeaf, err))
	}

	size, _ := dirSize(target)
	row.Title = info.Title
	row.UploadDate = info.UploadDate
	row.Duration = int(info.Duration)
	row.Description = info.Description
	row.Uploader = info.Uploader
	row.Language = info.Language
	row.Categories = info.Categories
	row.Tags = info.Tags
	row.FilePath = target
	row.SizeBytes = size
	row.Status = model.StatusCompleted
	row.FileExists = true
	now := time.Now().UTC()
	row.CompletedAt = &now
	if err := db.UpsertDownload(ctx, dbx, row); err != nil {
		return nil, fmt.Errorf("downloader: mark completed: %w", err)
	}
	return row, nil
}

func (d *Downloader) fail(ctx context.Context, dbx *sql.DB, row *model.Download, cause error) (*model.Download, error) {
	row.Status = model.StatusFailed
	row.ErrorMsg = errs.Truncate(cause.Error())
	if err := db.UpsertDownload(ctx, dbx, row); err != nil {
		slog.Warn("downloader: failed to persist failure status", slog.String("video_id", row.VideoID), slog.Any("err", err))
	}
	return row, cause
}

// runExtractor invokes the extraction tool with a fixed output template
// rooted at tempDir, returning the parsed info-JSON and the path of the
// leaf video directory relative to tempDir (e.g. "2024/Chan - 20240101 -
// Title [id]") so the caller can promote it into the media root verbatim.
func (d *Downloader) runExtractor(ctx context.Context, tempDir string, channel model.Channel, videoID string) (*videoInfoJSON, string, error) {
	sanitizedName := strings.ReplaceAll(channel.Name, string(filepath.Separator), "_")
	outTemplate := filepath.Join(tempDir,
		"%(upload_date>%Y)s",
		fmt.Sprintf("%s - %%(upload_date)s - %%(title)s [%%(id)s]", sanitizedName),
		fmt.Sprintf("%s - %%(upload_date)s - %%(title)s [%%(id)s].%%(ext)s", sanitizedName),
	)

	args := []string{
		"--no-warnings",
		"--continue",
		"--retries", "infinite",
		"--fragment-retries", "infinite",
		"--concurrent-fragments", strconv.Itoa(max(1, d.FragmentConcurrency)),
		"--no-cache-dir",
		"--write-info-json",
		"--write-thumbnail",
		"--embed-thumbnail",
		"--write-subs",
		"--sub-langs", "en,es",
		"--merge-output-format", "mp4",
		"-o", outTemplate,
	}
	if d.CookiePath != "" {
		args = append(args, "--cookies", d.CookiePath)
	}
	if _, err := exec.LookPath("aria2c"); err == nil {
		args = append([]string{"--external-downloader", "aria2c",
			"--downloader-args", "aria2c:-x16 -s16 -k1M --file-allocation=none"}, args...)
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	var lastErr error
	for attempt := 0; attempt < max(1, d.MaxAttempts); attempt++ {
		if attempt > 0 {
			backoff := d.BaseBackoff * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := d.runOnce(ctx, args); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			if errs.KindOf(err) == errs.KindDiscoveryPermanent {
				return nil, "", err
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return nil, "", errs.New(errs.KindDownloadFailed, lastErr)
	}

	leafDir, infoPath, err := findLeafByVideoID(tempDir, videoID)
	if err != nil {
		return nil, "", errs.New(errs.KindFilesystem, err)
	}
	info, err := readInfoJSON(infoPath)
	if err != nil {
		return nil, "", errs.New(errs.KindFilesystem, err)
	}
	rel, err := filepath.Rel(tempDir, leafDir)
	if err != nil {
		return nil, "", errs.New(errs.KindFilesystem, err)
	}
	return info, rel, nil
}

func (d *Downloader) runOnce(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	const maxTail = 100
	var tail []string
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sanitizeLogLine(sc.Text())
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(tail) >= maxTail {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	detail := strings.Join(tail, "\n")
	classified := fmt.Errorf("extractor: %w\n%s", waitErr, detail)
	return errs.New(errs.ClassifyDiscovery(classified), classified)
}

// sanitizeLogLine redacts cookie headers and auth tokens before a stderr
// line is retained for error context, mirroring the teacher's secret
// scrubbing for cookie-authenticated downloads.
func sanitizeLogLine(s string) string {
	if i := strings.Index(s, "Cookie:"); i >= 0 {
		return s[:i+len("Cookie:")] + " [redacted]"
	}
	return s
}

func findLeafByVideoID(root, videoID string) (leafDir, infoPath string, err error) {
	marker := "[" + videoID + "]"
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if entry.IsDir() || !strings.Contains(entry.Name(), marker) {
			return nil
		}
		if strings.HasSuffix(entry.Name(), ".info.json") {
			infoPath = path
			leafDir = filepath.Dir(path)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if infoPath == "" {
		return "", "", fmt.Errorf("no info-json found for video %s under %s", videoID, root)
	}
	return leafDir, infoPath, nil
}

func readInfoJSON(path string) (*videoInfoJSON, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info videoInfoJSON
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		fi, ferr := entry.Info()
		if ferr != nil {
			return ferr
		}
		total += fi.Size()
		return nil
	})
	return total, err
}

// inFlight bounds download concurrency process-wide to exactly one, per
// spec.md §5's "no caller-visible parallelism" guarantee. Channel-level
// sequentiality already enforces this for the scheduled path; this guard
// additionally protects the manual-trigger inline path, which runs
// Download outside the Single-Flight Lock when the scheduler is idle.
var inFlight = semaphore.NewWeighted(1)

func acquireSlot(ctx context.Context) bool {
	return inFlight.Acquire(ctx, 1) == nil
}

func releaseSlot() {
	inFlight.Release(1)
}

func sanitizeTempName(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
}
