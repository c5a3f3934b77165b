package downloader

import (
	"context"
	"testing"
	"time"
)

func TestAcquireSlotSerializesDownloads(t *testing.T) {
	// Free the slot if a prior test left it held.
	inFlight.TryAcquire(1)
	inFlight.Release(1)

	if !acquireSlot(context.Background()) {
		t.Fatal("failed to acquire slot")
	}
	defer releaseSlot()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if acquireSlot(ctx) {
		t.Fatal("expected second acquire to block while first slot held")
	}
}

func TestReleaseSlotAllowsNextAcquire(t *testing.T) {
	inFlight.TryAcquire(1)
	inFlight.Release(1)

	if !acquireSlot(context.Background()) {
		t.Fatal("failed to acquire slot")
	}
	releaseSlot()
	if !acquireSlot(context.Background()) {
		t.Fatal("expected slot to be acquirable again after release")
	}
	releaseSlot()
}
