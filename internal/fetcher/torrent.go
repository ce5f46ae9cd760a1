package fetcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/utils"
)

const (
	metadataTimeout       = 90 * time.Second
	noPeerTimeout         = 5 * time.Minute
	admissionPollInterval = 10 * time.Second
	downloadPollInterval  = time.Second
)

func init() {
	Register("torrent", func(link, saveName string, deps Deps) Fetcher {
		return NewTorrentFetcher(link, deps)
	})
}

// TorrentFetcher downloads a single-file torrent through the shared
// torrent client
type TorrentFetcher struct {
	progress

	uri          string
	deps         Deps
	transientDir string
	storeDir     string

	abortOnce sync.Once
	abortCh   chan struct{}

	// activeTransfers and admissionPoll are overridable in tests
	activeTransfers func() int
	admissionPoll   time.Duration
}

// NewTorrentFetcher creates a torrent fetcher for a single transfer attempt
func NewTorrentFetcher(link string, deps Deps) *TorrentFetcher {
	f := &TorrentFetcher{
		uri:           link,
		deps:          deps,
		transientDir:  deps.TransientDir,
		storeDir:      deps.StorageDir,
		abortCh:       make(chan struct{}),
		admissionPoll: admissionPollInterval,
	}
	f.activeTransfers = func() int {
		return len(deps.TorrentClient.Torrents())
	}
	return f
}

// Kind returns the transfer kind
func (f *TorrentFetcher) Kind() string {
	return "torrent"
}

// AbortFetch cancels the transfer at whatever stage it has reached.
// Safe to call multiple times and after completion.
func (f *TorrentFetcher) AbortFetch() {
	f.aborted.Store(true)
	f.abortOnce.Do(func() {
		close(f.abortCh)
	})
}

// waitForAdmission blocks while the number of globally active torrent
// transfers is at or above the configured ceiling, re-checking on a
// coarse interval
func (f *TorrentFetcher) waitForAdmission(ctx context.Context) error {
	for f.activeTransfers() >= f.deps.MaxActive {
		f.deps.Logger.WithField("uri", f.uri).Debug("Waiting for a free torrent transfer slot")
		select {
		case <-f.abortCh:
			return ErrAborted
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.admissionPoll):
		}
	}
	return nil
}

// Fetch adds the torrent to the shared client once admitted, enforces the
// metadata and no-peer timeouts plus the single-file rule, and moves the
// completed payload into the storage directory
func (f *TorrentFetcher) Fetch(ctx context.Context) (string, error) {
	if err := f.waitForAdmission(ctx); err != nil {
		return "", err
	}

	t, err := f.deps.TorrentClient.AddMagnet(f.uri)
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	metrics.ActiveTorrentTransfers.Inc()
	defer metrics.ActiveTorrentTransfers.Dec()

	select {
	case <-t.GotInfo():
	case <-time.After(metadataTimeout):
		t.Drop()
		return "", errors.New("took too long or failed to fetch metadata")
	case <-f.abortCh:
		t.Drop()
		return "", ErrAborted
	case <-ctx.Done():
		t.Drop()
		return "", ctx.Err()
	}

	if files := t.Files(); len(files) != 1 {
		t.Drop()
		return "", fmt.Errorf("torrent has %d files, must have 1", len(files))
	}
	f.length.Store(t.Length())
	t.DownloadAll()

	lastActivity := time.Now()
	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.abortCh:
			t.Drop()
			return "", ErrAborted
		case <-ctx.Done():
			t.Drop()
			return "", ctx.Err()
		case <-ticker.C:
		}

		completed := t.BytesCompleted()
		if completed > f.fetched.Load() {
			lastActivity = time.Now()
		}
		f.fetched.Store(completed)
		if completed >= t.Length() {
			break
		}
		if t.Stats().ActivePeers == 0 && time.Since(lastActivity) >= noPeerTimeout {
			t.Drop()
			return "", fmt.Errorf("torrent has seen no peers for %d seconds", int(noPeerTimeout.Seconds()))
		}
	}

	// Stop further network I/O before relocating the payload
	t.DisallowDataDownload()
	t.DisallowDataUpload()

	resolvedName := t.Files()[0].Path()
	if err := utils.MoveFile(filepath.Join(f.transientDir, resolvedName), filepath.Join(f.storeDir, resolvedName)); err != nil {
		t.Drop()
		return "", fmt.Errorf("failed to move completed download: %w", err)
	}

	// The payload has already been moved; dropping only releases the
	// in-memory handle.
	t.Drop()

	if f.Aborted() {
		return "", ErrAborted
	}
	return resolvedName, nil
}
