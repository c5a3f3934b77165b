package dedup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/model"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = dbx.Close() })
	if err := db.Migrate(context.Background(), dbx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return dbx
}

func seedChannel(t *testing.T, dbx *sql.DB, channelID, dirName string) model.Channel {
	t.Helper()
	_, err := dbx.Exec(`INSERT INTO channels (channel_id, name, source_url, dir_name, video_limit, enabled) VALUES ($1,$2,$3,$4,10,TRUE)
		ON CONFLICT (channel_id) DO NOTHING`, channelID, channelID, "https://example.com/"+channelID, dirName)
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	return model.Channel{ChannelID: channelID, DirName: dirName, Limit: 10, Enabled: true}
}

func TestShouldDownloadNewVideoNotOnDiskOrDB(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_new", "Chan New [chan_new]")
	r := New(dbx, mediaRoot)

	need, existing, err := r.ShouldDownload(context.Background(), "vid_unseen", ch)
	if err != nil {
		t.Fatalf("should download: %v", err)
	}
	if !need || existing != nil {
		t.Fatalf("expected (true, nil), got (%v, %+v)", need, existing)
	}
}

func TestShouldDownloadSkipsCompletedRow(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_done", "Chan Done [chan_done]")
	if err := db.UpsertDownload(context.Background(), dbx, &model.Download{
		ChannelID: ch.ChannelID, VideoID: "vid_done", Status: model.StatusCompleted, FileExists: true,
	}); err != nil {
		t.Fatalf("seed download: %v", err)
	}
	r := New(dbx, mediaRoot)

	need, existing, err := r.ShouldDownload(context.Background(), "vid_done", ch)
	if err != nil {
		t.Fatalf("should download: %v", err)
	}
	if need || existing == nil {
		t.Fatalf("expected (false, row), got (%v, %+v)", need, existing)
	}
}

func TestShouldDownloadResurrectsMissingFile(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_res", "Chan Res [chan_res]")
	if err := db.UpsertDownload(context.Background(), dbx, &model.Download{
		ChannelID: ch.ChannelID, VideoID: "vid_gone", Status: model.StatusCompleted, FileExists: false,
	}); err != nil {
		t.Fatalf("seed download: %v", err)
	}
	r := New(dbx, mediaRoot)

	need, existing, err := r.ShouldDownload(context.Background(), "vid_gone", ch)
	if err != nil {
		t.Fatalf("should download: %v", err)
	}
	if !need || existing == nil {
		t.Fatalf("expected resurrection (true, row), got (%v, %+v)", need, existing)
	}
}

func TestShouldDownloadFoundOnDiskSynthesizesRow(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_disk", "Chan Disk [chan_disk]")

	videoDir := filepath.Join(mediaRoot, ch.DirName, "2024", "Chan Disk - 20240101 - Title [vid_disk]")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	videoFile := filepath.Join(videoDir, "Chan Disk - 20240101 - Title [vid_disk].mp4")
	if err := os.WriteFile(videoFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r := New(dbx, mediaRoot)
	need, existing, err := r.ShouldDownload(context.Background(), "vid_disk", ch)
	if err != nil {
		t.Fatalf("should download: %v", err)
	}
	if need || existing == nil || existing.Title != "Found on disk" {
		t.Fatalf("expected (false, synthesized row), got (%v, %+v)", need, existing)
	}
}

func TestShouldDownloadIgnoresPartFiles(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_part", "Chan Part [chan_part]")

	videoDir := filepath.Join(mediaRoot, ch.DirName, "2024", "Chan Part - 20240101 - Title [vid_part]")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	partFile := filepath.Join(videoDir, "Chan Part - 20240101 - Title [vid_part].mp4.part")
	if err := os.WriteFile(partFile, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	r := New(dbx, mediaRoot)
	need, existing, err := r.ShouldDownload(context.Background(), "vid_part", ch)
	if err != nil {
		t.Fatalf("should download: %v", err)
	}
	if !need || existing != nil {
		t.Fatalf("expected (true, nil) since only a .part file exists, got (%v, %+v)", need, existing)
	}
}

func TestScanCachedAcrossRepeatedQueries(t *testing.T) {
	dbx := newTestDB(t)
	mediaRoot := t.TempDir()
	ch := seedChannel(t, dbx, "chan_cache", "Chan Cache [chan_cache]")
	videoDir := filepath.Join(mediaRoot, ch.DirName, "2024", "Chan Cache - 20240101 - Title [vid_cache]")
	if err := os.MkdirAll(videoDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(videoDir, "x [vid_cache].mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New(dbx, mediaRoot)
	if _, _, err := r.ShouldDownload(context.Background(), "vid_cache", ch); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if !r.scanned {
		t.Fatal("expected scan cache populated after first call")
	}
	// Remove the file; the first call committed a completed Download row
	// for the on-disk hit, so a second query within the same Resolver is
	// answered from that row rather than by re-walking the directory.
	if err := os.RemoveAll(videoDir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	need, existing, err := r.ShouldDownload(context.Background(), "vid_cache", ch)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if need || existing == nil {
		t.Fatalf("expected hit from committed row despite removed file, got (%v, %+v)", need, existing)
	}
}
