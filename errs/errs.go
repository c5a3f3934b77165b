// Package errs implements the error-kind taxonomy and retryability
// predicate shared across the download orchestration core.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a coarse error classification, not a language type, per the
// taxonomy in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCron
	KindLockHeld
	KindStaleLock
	KindDiscoveryTransient
	KindDiscoveryPermanent
	KindDownloadFailed
	KindFilesystem
	KindSettingsConflict
	KindStaleQueueEntry
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCron:
		return "invalid_cron"
	case KindLockHeld:
		return "lock_held"
	case KindStaleLock:
		return "stale_lock"
	case KindDiscoveryTransient:
		return "discovery_transient"
	case KindDiscoveryPermanent:
		return "discovery_permanent"
	case KindDownloadFailed:
		return "download_failed"
	case KindFilesystem:
		return "filesystem"
	case KindSettingsConflict:
		return "settings_conflict"
	case KindStaleQueueEntry:
		return "stale_queue_entry"
	default:
		return "unknown"
	}
}

// kindError wraps an underlying error with a Kind, recoverable via
// errors.As (see KindOf).
type kindError struct {
	err  error
	kind Kind
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// New wraps err with the given kind. If err is nil, returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{err: err, kind: kind}
}

// Newf builds a kind-tagged error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, or KindUnknown if untagged.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

var (
	ErrLockHeld        = errors.New("lock held")
	ErrStaleQueueEntry = errors.New("stale queue entry")
)

// retryWords is the case-insensitive retryability predicate from spec.md §7.
var retryWords = []string{
	"network", "timeout", "connection", "temporary",
	"rate limit", "quota", "503", "502", "504",
}

// IsRetryable reports whether err's message matches the retryability
// predicate, independent of its Kind tag.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, w := range retryWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// ClassifyDiscovery maps a raw discovery/download error into
// KindDiscoveryTransient or KindDiscoveryPermanent using the same
// keyword-matching shape as the retryability predicate, extended with
// permanent-failure patterns (auth, not-found, malformed input).
func ClassifyDiscovery(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	lower := strings.ToLower(err.Error())

	permanentPatterns := []string{
		"private", "removed", "unavailable", "not available",
		"404", "not found", "deleted", "no longer available",
		"does not exist", "unable to extract", "no video formats found",
		"401", "403", "unauthorized", "access denied", "login required",
		"invalid url", "malformed url", "invalid video id", "unsupported url",
		"drm", "protected content",
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return KindDiscoveryPermanent
		}
	}
	if IsRetryable(err) {
		return KindDiscoveryTransient
	}
	// Default: unknown shape treated as transient, matching the teacher's
	// "unknown errors are retryable for safety" default.
	return KindDiscoveryTransient
}

// Truncate bounds an error message to the 500-char limit spec.md §4.7
// imposes on Download.ErrorMsg.
func Truncate(msg string) string {
	const max = 500
	if len(msg) <= max {
		return msg
	}
	return msg[:max]
}
