// Package model holds the shared entity types read and written by the
// download orchestration core.
package model

import "time"

// DownloadStatus is the lifecycle state of a Download row.
type DownloadStatus string

const (
	StatusPending     DownloadStatus = "pending"
	StatusDownloading DownloadStatus = "downloading"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
)

// HistoryStatus is the lifecycle state of a DownloadHistory row.
type HistoryStatus string

const (
	HistoryRunning   HistoryStatus = "running"
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
)

// Channel identifies a remote source of videos. Owned by the external CRUD
// collaborator; the core only reads it and updates LastCheck.
type Channel struct {
	LastCheck   *time.Time
	ChannelID   string
	Name        string
	SourceURL   string
	DirName     string
	Limit       int
	Enabled     bool
}

// Download is one record per (channel, video-id) pair the core has observed.
type Download struct {
	CreatedAt   time.Time
	CompletedAt *time.Time
	ChannelID   string
	VideoID     string
	Title       string
	UploadDate  string // YYYYMMDD
	FilePath    string
	Status      DownloadStatus
	ErrorMsg    string
	Duration    int
	SizeBytes   int64
	FileExists  bool

	// Description, Uploader, Language, Categories, and Tags are sourced
	// from the extraction tool's info-JSON for the Sidecar Writer
	// (spec.md §4.8's plot/director/language/genre/tag fields). They are
	// not persisted to the downloads table, only carried in-memory from
	// Downloader.Download to the Channel Job within one run.
	Description string
	Uploader    string
	Language    string
	Categories  []string
	Tags        []string
}

// DownloadHistory is one record per channel-run.
type DownloadHistory struct {
	StartedAt   time.Time
	CompletedAt *time.Time
	ChannelID   string
	Status      HistoryStatus
	ErrorMsg    string
	Found       int
	Downloaded  int
	Skipped     int
	Failed      int
}

// Setting is a key/value row in the settings table.
type Setting struct {
	UpdatedAt   time.Time
	Key         string
	Value       string
	Description string
}

// Reserved setting keys consumed by the core (spec.md §3).
const (
	SettingCronSchedule           = "cron_schedule"
	SettingSchedulerEnabled       = "scheduler_enabled"
	SettingSchedulerRunning       = "scheduler_running"
	SettingSchedulerLastRun       = "scheduler_last_run"
	SettingSchedulerNextRun       = "scheduler_next_run"
	SettingScheduledRunning       = "scheduled_downloads_running"
	SettingScheduledLastRun       = "scheduled_downloads_last_run"
	SettingManualTriggerQueue     = "manual_trigger_queue"
	SettingDefaultVideoLimit      = "default_video_limit"
	SettingOverwriteExistingNFO   = "overwrite_existing_nfo"
	SettingNFOEnabled             = "nfo_enabled"
	SettingScheduledLastRunSummary = "scheduled_downloads_last_run_summary"
	SettingDiscoveryCircuitState  = "discovery_circuit_state"
	SettingSchedulerAvgSweepMS    = "scheduler_avg_sweep_ms"
)

// RunSummary is the JSON blob written to SettingScheduledLastRunSummary.
type RunSummary struct {
	StartTime         time.Time `json:"start_time"`
	TotalChannels     int       `json:"total_channels"`
	SuccessfulChannels int      `json:"successful_channels"`
	FailedChannels    int       `json:"failed_channels"`
	TotalVideos       int       `json:"total_videos"`
	DurationSeconds   float64   `json:"duration_seconds"`
}

// QueueEntry is one pending manual-trigger request (spec.md §4.4).
type QueueEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ChannelID string    `json:"channel_id"`
	User      string    `json:"user"`
}

// DiscoveredVideo is a candidate video id returned by the Discovery Adapter.
type DiscoveredVideo struct {
	VideoID string
}
