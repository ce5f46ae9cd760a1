package models

import (
	"sync"
	"testing"
)

type countingTransfer struct{}

func (countingTransfer) AbortFetch()              {}
func (countingTransfer) Aborted() bool            { return false }
func (countingTransfer) Progress() (int64, int64) { return 524288, 1048576 }

func TestProgressString(t *testing.T) {
	episode := &Episode{ShowName: "Some Show", Episode: 3, Version: 1, Resolution: "720p", GroupName: "SubGroup"}

	if got := episode.ProgressString(); got != "pending" {
		t.Errorf("ProgressString() = %q, want pending", got)
	}

	episode.SetState(StateFetching)
	if got := episode.ProgressString(); got != "fetching" {
		t.Errorf("ProgressString() without transfer = %q, want fetching", got)
	}

	episode.SetTransfer(countingTransfer{})
	if got := episode.ProgressString(); got != "fetching - 0.5MB/1.0MB (50.00%)" {
		t.Errorf("ProgressString() with transfer = %q", got)
	}

	episode.SetState(StateComplete)
	if got := episode.ProgressString(); got != "complete" {
		t.Errorf("ProgressString() when complete = %q", got)
	}
}

// The driver goroutine advances state and attaches the transfer while
// the API reads progress; both sides must stay race free.
func TestProgressStringConcurrentWithStateChanges(t *testing.T) {
	episode := &Episode{ShowName: "Some Show", Episode: 3, Version: 1, Resolution: "720p", GroupName: "SubGroup"}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			episode.SetTransfer(countingTransfer{})
			episode.SetState(StateFetching)
			episode.SetState(StateUploading)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = episode.ProgressString()
			_ = episode.CurrentState()
			_ = episode.Transfer()
		}
	}()
	wg.Wait()

	if got := episode.ProgressString(); got != "uploading" {
		t.Errorf("ProgressString() = %q, want uploading", got)
	}
}
