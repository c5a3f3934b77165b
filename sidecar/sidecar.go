// Package sidecar generates the library-compatible XML descriptors (NFO
// files) the Sidecar Writer component owns: tvshow, season, and episode
// (spec.md §4.8). Writes are atomic via a temp-file-then-rename, and
// cleanup removes a video's descriptor plus any emptied ancestor
// directories after retention deletes it.
package sidecar

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

const header = xml.Header

// TVShowMeta is the JSON-sourced input for the channel-root descriptor.
type TVShowMeta struct {
	ChannelID string
	Name      string
	Plot      string
	Tags      []string
}

// EpisodeMeta is the JSON-sourced input (from the extraction tool's
// info-JSON) for one video's descriptor.
type EpisodeMeta struct {
	VideoID    string
	Title      string
	ShowTitle  string
	Plot       string
	Language   string
	UploadDate string // YYYYMMDD
	DurationS  int
	Director   string
	Categories []string
	Tags       []string
}

type tvshowXML struct {
	XMLName  xml.Name   `xml:"tvshow"`
	Title    string     `xml:"title"`
	Plot     string     `xml:"plot"`
	UniqueID uniqueIDXML `xml:"uniqueid"`
	Studio   string     `xml:"studio"`
	Tags     []string   `xml:"tag"`
}

type uniqueIDXML struct {
	Type    string `xml:"type,attr"`
	Default string `xml:"default,attr"`
	Value   string `xml:",chardata"`
}

type seasonXML struct {
	XMLName   xml.Name `xml:"season"`
	Plot      string   `xml:"plot"`
	Outline   string   `xml:"outline"`
	DateAdded string   `xml:"dateadded"`
	Title     string   `xml:"title"`
	Season    string   `xml:"season"`
	Art       string   `xml:"art"`
}

type episodeXML struct {
	XMLName   xml.Name    `xml:"episodedetails"`
	Title     string      `xml:"title"`
	ShowTitle string      `xml:"showtitle"`
	Plot      string      `xml:"plot"`
	Language  string      `xml:"language,omitempty"`
	Aired     string      `xml:"aired,omitempty"`
	Year      string      `xml:"year,omitempty"`
	Runtime   int         `xml:"runtime,omitempty"`
	Director  string      `xml:"director,omitempty"`
	Studio    string      `xml:"studio"`
	UniqueID  uniqueIDXML `xml:"uniqueid"`
	Genres    []string    `xml:"genre"`
	Tags      []string    `xml:"tag"`
	DateAdded string      `xml:"dateadded"`
}

// Writer owns whether descriptors are generated at all, and whether an
// existing file is regenerated in place (settings nfo_enabled and
// overwrite_existing_nfo, spec.md §4.8).
type Writer struct {
	Enabled   bool
	Overwrite bool
}

func New(enabled, overwrite bool) *Writer {
	return &Writer{Enabled: enabled, Overwrite: overwrite}
}

func (w *Writer) shouldWrite(path string) bool {
	if !w.Enabled {
		return false
	}
	if w.Overwrite {
		return true
	}
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

// WriteTVShow regenerates channelDir/tvshow.nfo from meta.
func (w *Writer) WriteTVShow(channelDir string, meta TVShowMeta) error {
	path := filepath.Join(channelDir, "tvshow.nfo")
	if !w.shouldWrite(path) {
		return nil
	}
	doc := tvshowXML{
		Title:    meta.Name,
		Plot:     meta.Plot,
		UniqueID: uniqueIDXML{Type: "youtube", Default: "true", Value: meta.ChannelID},
		Studio:   "YouTube",
		Tags:     meta.Tags,
	}
	return writeAtomic(path, doc)
}

// WriteSeason regenerates <yearDir>/season.nfo for the 4-digit year.
func (w *Writer) WriteSeason(yearDir, year string) error {
	path := filepath.Join(yearDir, "season.nfo")
	if !w.shouldWrite(path) {
		return nil
	}
	doc := seasonXML{
		DateAdded: time.Now().UTC().Format("2006-01-02 15:04:05"),
		Title:     year,
		Season:    year,
	}
	return writeAtomic(path, doc)
}

// WriteEpisode regenerates <videoDir>/<basename>.nfo beside the video.
// Required fields are Title and ShowTitle; if either is missing the
// descriptor is skipped with a warning rather than emitting an invalid
// file.
func (w *Writer) WriteEpisode(videoDir, basename string, meta EpisodeMeta) error {
	if strings.TrimSpace(meta.Title) == "" || strings.TrimSpace(meta.ShowTitle) == "" {
		slog.Warn("sidecar: skipping episode descriptor, missing required field",
			slog.String("video_id", meta.VideoID), slog.String("title", meta.Title), slog.String("showtitle", meta.ShowTitle))
		return nil
	}
	path := filepath.Join(videoDir, basename+".nfo")
	if !w.shouldWrite(path) {
		return nil
	}

	year := ""
	aired := ""
	if len(meta.UploadDate) == 8 {
		year = meta.UploadDate[:4]
		aired = fmt.Sprintf("%s-%s-%s", meta.UploadDate[:4], meta.UploadDate[4:6], meta.UploadDate[6:8])
	}
	runtime := 0
	if meta.DurationS > 0 {
		runtime = meta.DurationS / 60
	}
	doc := episodeXML{
		Title:     meta.Title,
		ShowTitle: meta.ShowTitle,
		Plot:      meta.Plot,
		Language:  meta.Language,
		Aired:     aired,
		Year:      year,
		Runtime:   runtime,
		Director:  meta.Director,
		Studio:    "YouTube",
		UniqueID:  uniqueIDXML{Type: "youtube", Default: "true", Value: meta.VideoID},
		Genres:    meta.Categories,
		Tags:      meta.Tags,
		DateAdded: time.Now().UTC().Format("2006-01-02 15:04:05"),
	}
	return writeAtomic(path, doc)
}

func writeAtomic(path string, doc any) error {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("sidecar: marshal %s: %w", path, err)
	}
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("sidecar: create pending file for %s: %w", path, err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			slog.Debug("sidecar: cleanup pending file", slog.Any("err", cerr))
		}
	}()
	if _, err := pending.Write([]byte(header)); err != nil {
		return fmt.Errorf("sidecar: write header %s: %w", path, err)
	}
	if _, err := pending.Write(body); err != nil {
		return fmt.Errorf("sidecar: write body %s: %w", path, err)
	}
	if _, err := pending.Write([]byte("\n")); err != nil {
		return fmt.Errorf("sidecar: write trailing newline %s: %w", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("sidecar: atomically replace %s: %w", path, err)
	}
	return nil
}

// CleanupVideo removes basename's episode descriptor inside videoDir, then
// (if videoDir is now empty) videoDir itself, then walks up ascending
// (year dir + its season.nfo) while each is empty. Called by the Retention
// Cleaner after deleting a video's media files.
func CleanupVideo(videoDir, basename string) error {
	nfoPath := filepath.Join(videoDir, basename+".nfo")
	if err := os.Remove(nfoPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sidecar cleanup: remove %s: %w", nfoPath, err)
	}

	if empty, err := dirEmpty(videoDir); err != nil {
		return err
	} else if !empty {
		return nil
	}
	if err := os.Remove(videoDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sidecar cleanup: remove %s: %w", videoDir, err)
	}

	yearDir := filepath.Dir(videoDir)
	empty, err := dirEmptyOfVideoFolders(yearDir)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	seasonNFO := filepath.Join(yearDir, "season.nfo")
	if err := os.Remove(seasonNFO); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sidecar cleanup: remove %s: %w", seasonNFO, err)
	}
	if err := os.Remove(yearDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sidecar cleanup: remove %s: %w", yearDir, err)
	}
	return nil
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// dirEmptyOfVideoFolders reports whether a year directory contains no
// sub-directories (i.e. no remaining video folders), ignoring season.nfo.
func dirEmptyOfVideoFolders(yearDir string) (bool, error) {
	entries, err := os.ReadDir(yearDir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

