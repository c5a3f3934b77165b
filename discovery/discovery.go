// Package discovery lists a channel's most recent video ids via the
// extraction tool's flat-playlist mode (spec.md §4.5), without incurring
// the per-video network cost of a full metadata fetch.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/channelarchived/errs"
	"github.com/onnwee/channelarchived/model"
)

// Adapter invokes the extraction tool binary to list recent videos.
type Adapter struct {
	Binary     string
	MaxAttempts int
	BaseDelay  time.Duration
}

func New(binary string, maxAttempts int, baseDelay time.Duration) *Adapter {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Adapter{Binary: binary, MaxAttempts: maxAttempts, BaseDelay: baseDelay}
}

// ListRecent returns up to limit video ids, newest first, from channelURL.
// Makes up to MaxAttempts attempts in total, retrying only on a transient
// classification, with a flat BaseDelay between attempts (discovery runs once per channel per
// sweep, so no exponential backoff is warranted here).
func (a *Adapter) ListRecent(ctx context.Context, channelURL string, limit int) ([]model.DiscoveredVideo, error) {
	if limit <= 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(a.BaseDelay):
			}
		}

		ids, err := a.listOnce(ctx, channelURL, limit)
		if err == nil {
			return ids, nil
		}
		lastErr = err
		if errs.KindOf(err) == errs.KindDiscoveryPermanent {
			return nil, err
		}
		if !errs.IsRetryable(err) && errs.KindOf(err) != errs.KindDiscoveryTransient {
			return nil, err
		}
	}
	return nil, lastErr
}

// flatPlaylistJSON is the subset of the extraction tool's flat-playlist
// dump-single-json document this adapter needs: a document-level entries
// array whose items carry an id (spec.md §6's wire contract).
type flatPlaylistJSON struct {
	Entries []struct {
		ID string `json:"id"`
	} `json:"entries"`
}

func (a *Adapter) listOnce(ctx context.Context, channelURL string, limit int) ([]model.DiscoveredVideo, error) {
	args := []string{
		"--flat-playlist",
		"--playlist-end", strconv.Itoa(limit),
		"--dump-single-json",
		"--no-warnings",
		channelURL,
	}
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		classified := fmt.Errorf("discovery listing for %s: %s", channelURL, detail)
		return nil, errs.New(errs.ClassifyDiscovery(classified), classified)
	}

	var doc flatPlaylistJSON
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, errs.New(errs.KindFilesystem, fmt.Errorf("discovery listing for %s: parse entries json: %w", channelURL, err))
	}

	var out []model.DiscoveredVideo
	for _, entry := range doc.Entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		out = append(out, model.DiscoveredVideo{VideoID: id})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
