package scheduledjob

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/channelarchived/channeljob"
	"github.com/onnwee/channelarchived/db"
	"github.com/onnwee/channelarchived/discovery"
	"github.com/onnwee/channelarchived/downloader"
	"github.com/onnwee/channelarchived/lock"
	"github.com/onnwee/channelarchived/model"
	"github.com/onnwee/channelarchived/queue"
	"github.com/onnwee/channelarchived/retention"
	"github.com/onnwee/channelarchived/settings"
	"github.com/onnwee/channelarchived/sidecar"
	"github.com/onnwee/channelarchived/telemetry"
	"github.com/onnwee/channelarchived/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

// newTestDB wraps testutil.SetupTestDB, additionally clearing the settings
// keys this suite writes so runs sharing one database don't bleed together.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbx := testutil.SetupTestDB(t)
	testutil.ClearSettings(t, dbx,
		model.SettingScheduledRunning, model.SettingScheduledLastRun,
		model.SettingManualTriggerQueue, model.SettingScheduledLastRunSummary,
		model.SettingSchedulerAvgSweepMS, model.SettingDiscoveryCircuitState,
	)
	return dbx
}

func seedChannel(t *testing.T, dbx *sql.DB, channelID, dirName string, enabled bool) model.Channel {
	t.Helper()
	testutil.SeedChannel(t, dbx, channelID, dirName, enabled)
	return model.Channel{ChannelID: channelID, Name: channelID, DirName: dirName, Limit: 10, Enabled: enabled}
}

func fakeDiscoveryBinary(t *testing.T, ids ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake binary not supported on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-discovery")
	entries := make([]string, len(ids))
	for i, id := range ids {
		entries[i] = fmt.Sprintf(`{"id":"%s"}`, id)
	}
	script := fmt.Sprintf("#!/bin/sh\nprintf '{\"entries\":[%s]}'\n", strings.Join(entries, ","))
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake discovery binary: %v", err)
	}
	return path
}

func fakeExtractorBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake binary not supported on windows")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-extractor")
	script := `#!/bin/sh
set -e
prev=""
out=""
last=""
for arg in "$@"; do
  if [ "$prev" = "-o" ]; then out="$arg"; fi
  prev="$arg"
  last="$arg"
done
id=$(echo "$last" | sed 's/.*v=//')
base=$(echo "$out" | sed "s/%(upload_date)s/20240102/g; s/%(title)s/Sample Title/g; s/%(id)s/$id/g; s/%(ext)s/mp4/g")
base=$(echo "$base" | sed "s#%(upload_date>%Y)s#2024#g")
dirpath=$(dirname "$base")
mkdir -p "$dirpath"
stem=$(basename "$base" .mp4)
printf 'fake video bytes' > "$dirpath/$stem.mp4"
cat > "$dirpath/$stem.info.json" <<EOF
{"id":"$id","title":"Sample Title","upload_date":"20240102","duration":125.0,"uploader":"Someone"}
EOF
exit 0
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake extractor: %v", err)
	}
	return path
}

func newJob(t *testing.T, dbx *sql.DB, discBin string, ids []string) (*Job, string) {
	t.Helper()
	mediaRoot := t.TempDir()
	tempRoot := t.TempDir()
	store := settings.New(dbx)
	locker := lock.New(store)
	q := queue.New(store)

	var disc *discovery.Adapter
	if discBin != "" {
		disc = discovery.New(discBin, 1, time.Millisecond)
	} else {
		disc = discovery.New(fakeDiscoveryBinary(t, ids...), 1, time.Millisecond)
	}
	dl := downloader.New(fakeExtractorBinary(t), mediaRoot, tempRoot, "", 1)
	dl.MaxAttempts = 1
	dl.BaseBackoff = time.Millisecond
	sc := sidecar.New(true, true)
	ret := retention.New(dbx, mediaRoot)
	cj := channeljob.New(dbx, mediaRoot, store, disc, dl, sc, ret)

	job := New(dbx, store, locker, q, cj, 30*time.Minute, 3)
	return job, mediaRoot
}

func TestRunHappyPathWritesSummary(t *testing.T) {
	dbx := newTestDB(t)
	ch := seedChannel(t, dbx, "chan_sweep_ok", "Chan Sweep OK [chan_sweep_ok]", true)
	job, _ := newJob(t, dbx, "", []string{"v1", "v2"})
	_ = ch

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, ok, err := job.Store.Get(context.Background(), model.SettingScheduledLastRunSummary)
	if err != nil || !ok {
		t.Fatalf("expected run summary persisted, ok=%v err=%v", ok, err)
	}
	var summary model.RunSummary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.TotalChannels != 1 || summary.SuccessfulChannels != 1 || summary.FailedChannels != 0 {
		t.Fatalf("unexpected channel counts: %+v", summary)
	}
	if summary.TotalVideos != 2 {
		t.Fatalf("expected 2 videos downloaded, got %+v", summary)
	}

	held, err := job.Lock.IsHeld(context.Background(), lockName)
	if err != nil {
		t.Fatalf("is held: %v", err)
	}
	if held {
		t.Error("expected lock released after sweep")
	}
}

func TestRunLockHeldSkipsSweepWithoutError(t *testing.T) {
	dbx := newTestDB(t)
	seedChannel(t, dbx, "chan_sweep_locked", "Chan Sweep Locked [chan_sweep_locked]", true)
	job, _ := newJob(t, dbx, "", []string{"v1"})

	if err := job.Store.Put(context.Background(), model.SettingScheduledRunning, "true", ""); err != nil {
		t.Fatalf("seed running flag: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("expected nil error on lock-held skip, got %v", err)
	}

	got, err := db.GetChannel(context.Background(), dbx, "chan_sweep_locked")
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.LastCheck != nil {
		t.Error("expected channel untouched while lock held")
	}
}

func TestRunDropsStaleManualQueueEntry(t *testing.T) {
	dbx := newTestDB(t)
	seedChannel(t, dbx, "chan_sweep_manual", "Chan Sweep Manual [chan_sweep_manual]", false)
	job, _ := newJob(t, dbx, "", nil)

	entries := []model.QueueEntry{
		{ChannelID: "chan_sweep_manual_stale", User: "u1", Timestamp: time.Now().Add(-45 * time.Minute)},
	}
	raw, _ := json.Marshal(entries)
	if err := job.Store.Put(context.Background(), model.SettingManualTriggerQueue, string(raw), ""); err != nil {
		t.Fatalf("seed queue: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	depth, err := job.Queue.Len(context.Background())
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected stale entry dropped and queue empty, got depth %d", depth)
	}
}

func TestRunSkipsManualEntryForDisabledChannel(t *testing.T) {
	dbx := newTestDB(t)
	ch := seedChannel(t, dbx, "chan_sweep_disabled", "Chan Sweep Disabled [chan_sweep_disabled]", false)
	job, _ := newJob(t, dbx, "", nil)

	if _, err := job.Queue.Enqueue(context.Background(), ch.ChannelID, "manual-user"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	depth, err := job.Queue.Len(context.Background())
	if err != nil {
		t.Fatalf("queue len: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected entry popped (even if skipped), got depth %d", depth)
	}

	var count int
	if err := dbx.QueryRow(`SELECT COUNT(*) FROM download_history WHERE channel_id=$1`, ch.ChannelID).Scan(&count); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no history row for disabled channel, got %d", count)
	}
}
