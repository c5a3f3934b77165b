package sidecar

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteTVShowContainsRequiredElements(t *testing.T) {
	dir := t.TempDir()
	w := New(true, true)
	err := w.WriteTVShow(dir, TVShowMeta{
		ChannelID: "chan123",
		Name:      "My Channel",
		Plot:      "A channel about things",
		Tags:      []string{"vlog", "tech"},
	})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "tvshow.nfo"))
	require.NoError(t, err)
	content := string(data)
	for _, want := range []string{"<title>My Channel</title>", `type="youtube"`, "chan123", "<studio>YouTube</studio>", "<tag>vlog</tag>", "<tag>tech</tag>"} {
		require.Contains(t, content, want)
	}
}

func TestWriteSeasonElements(t *testing.T) {
	dir := t.TempDir()
	w := New(true, true)
	if err := w.WriteSeason(dir, "2024"); err != nil {
		t.Fatalf("write season: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "season.nfo"))
	content := string(data)
	for _, want := range []string{"<title>2024</title>", "<season>2024</season>", "<plot></plot>", "<art></art>"} {
		if !strings.Contains(content, want) {
			t.Errorf("expected season.nfo to contain %q, got:\n%s", want, content)
		}
	}
}

func TestWriteEpisodeSkipsWhenTitleMissing(t *testing.T) {
	dir := t.TempDir()
	w := New(true, true)
	err := w.WriteEpisode(dir, "video [id1]", EpisodeMeta{VideoID: "id1", ShowTitle: "Channel"})
	if err != nil {
		t.Fatalf("write episode: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "video [id1].nfo")); !os.IsNotExist(err) {
		t.Fatal("expected no descriptor written when title is missing")
	}
}

func TestWriteEpisodeFullRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := New(true, true)
	err := w.WriteEpisode(dir, "video [id1]", EpisodeMeta{
		VideoID:    "id1",
		Title:      "Episode One",
		ShowTitle:  "Channel",
		UploadDate: "20240102",
		DurationS:  125,
		Categories: []string{"Tech"},
		Tags:       []string{"gadgets"},
	})
	if err != nil {
		t.Fatalf("write episode: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "video [id1].nfo"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	content := string(data)
	for _, want := range []string{"<title>Episode One</title>", "<showtitle>Channel</showtitle>",
		"<aired>2024-01-02</aired>", "<year>2024</year>", "<runtime>2</runtime>", "<genre>Tech</genre>", "<tag>gadgets</tag>"} {
		if !strings.Contains(content, want) {
			t.Errorf("expected episode nfo to contain %q, got:\n%s", want, content)
		}
	}
}

func TestWriteEpisodeOmitsAiredAndYearWhenUploadDateMissing(t *testing.T) {
	dir := t.TempDir()
	w := New(true, true)
	err := w.WriteEpisode(dir, "video [id1]", EpisodeMeta{
		VideoID:   "id1",
		Title:     "Episode One",
		ShowTitle: "Channel",
	})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "video [id1].nfo"))
	require.NoError(t, err)
	content := string(data)
	for _, unwanted := range []string{"<aired>", "<year>"} {
		require.NotContains(t, content, unwanted)
	}
}

func TestWriteRespectsOverwriteFalse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tvshow.nfo")
	if err := os.WriteFile(path, []byte("existing"), 0o644); err != nil {
		t.Fatalf("seed existing: %v", err)
	}
	w := New(true, false)
	if err := w.WriteTVShow(dir, TVShowMeta{Name: "X"}); err != nil {
		t.Fatalf("write tvshow: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "existing" {
		t.Errorf("expected existing file preserved when overwrite=false, got %q", data)
	}
}

func TestWriteSkippedWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	w := New(false, true)
	if err := w.WriteTVShow(dir, TVShowMeta{Name: "X"}); err != nil {
		t.Fatalf("write tvshow: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tvshow.nfo")); !os.IsNotExist(err) {
		t.Fatal("expected no file written when nfo_enabled=false")
	}
}

func TestCleanupVideoRemovesEmptyAncestors(t *testing.T) {
	root := t.TempDir()
	yearDir := filepath.Join(root, "2024")
	videoDir := filepath.Join(yearDir, "Channel - 20240102 - Title [id1]")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(yearDir, "season.nfo"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed season.nfo: %v", err)
	}
	basename := "Channel - 20240102 - Title [id1]"
	if err := os.WriteFile(filepath.Join(videoDir, basename+".nfo"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed episode nfo: %v", err)
	}

	if err := CleanupVideo(videoDir, basename); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(videoDir); !os.IsNotExist(err) {
		t.Error("expected video dir removed")
	}
	if _, err := os.Stat(yearDir); !os.IsNotExist(err) {
		t.Error("expected emptied year dir removed")
	}
}

func TestCleanupVideoKeepsYearDirWithOtherVideos(t *testing.T) {
	root := t.TempDir()
	yearDir := filepath.Join(root, "2024")
	videoDir1 := filepath.Join(yearDir, "Channel - 20240102 - Title [id1]")
	videoDir2 := filepath.Join(yearDir, "Channel - 20240103 - Other [id2]")
	for _, d := range []string{videoDir1, videoDir2} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	basename := "Channel - 20240102 - Title [id1]"
	if err := os.WriteFile(filepath.Join(videoDir1, basename+".nfo"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := CleanupVideo(videoDir1, basename); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(videoDir1); !os.IsNotExist(err) {
		t.Error("expected video1 dir removed")
	}
	if _, err := os.Stat(yearDir); err != nil {
		t.Error("expected year dir preserved while video2 remains")
	}
	if _, err := os.Stat(videoDir2); err != nil {
		t.Error("expected video2 dir untouched")
	}
}
