package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fetcharr/fetcharr/internal/utils"
)

const httpPhaseTimeout = 10 * time.Second

func init() {
	Register("http", func(link, saveName string, deps Deps) Fetcher {
		return NewHTTPFetcher(link, saveName, deps)
	})
}

// HTTPFetcher downloads a release over a streaming GET request
type HTTPFetcher struct {
	progress

	url      string
	saveName string
	tempDir  string
	storeDir string

	// cancel is written by Fetch and read by AbortFetch from another
	// goroutine
	mu     sync.Mutex
	cancel context.CancelFunc

	// client is replaceable for tests
	client *http.Client
}

// NewHTTPFetcher creates an http fetcher for a single transfer attempt
func NewHTTPFetcher(link, saveName string, deps Deps) *HTTPFetcher {
	return &HTTPFetcher{
		url:      link,
		saveName: saveName,
		tempDir:  deps.TempDir,
		storeDir: deps.StorageDir,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: httpPhaseTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   httpPhaseTimeout,
				ResponseHeaderTimeout: httpPhaseTimeout,
			},
		},
	}
}

// Kind returns the transfer kind
func (f *HTTPFetcher) Kind() string {
	return "http"
}

// AbortFetch cancels the in-flight request. Safe to call at any time.
func (f *HTTPFetcher) AbortFetch() {
	f.aborted.Store(true)
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Fetch streams the body to a staging file, then moves it into the
// storage directory. Fails fast on a non-2xx status or a missing
// content length.
func (f *HTTPFetcher) Fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	// An abort that raced the setup above has no context to cancel yet
	if f.Aborted() {
		return "", ErrAborted
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "fetcharr/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		if f.Aborted() {
			return "", ErrAborted
		}
		return "", fmt.Errorf("error fetching from %s: %w", f.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("error fetching HTTP content from %s - HTTP status %d", f.url, resp.StatusCode)
	}
	if resp.ContentLength <= 0 {
		return "", fmt.Errorf("no content-length provided by %s", f.url)
	}
	f.length.Store(resp.ContentLength)

	tempPath := filepath.Join(f.tempDir, f.saveName)
	out, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(tempPath)
				return "", fmt.Errorf("failed writing staging file: %w", writeErr)
			}
			f.fetched.Add(int64(n))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			out.Close()
			os.Remove(tempPath)
			if f.Aborted() {
				return "", ErrAborted
			}
			return "", fmt.Errorf("error fetching from %s: %w", f.url, readErr)
		}
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to flush staging file: %w", err)
	}

	if f.Aborted() {
		os.Remove(tempPath)
		return "", ErrAborted
	}
	if fetched := f.fetched.Load(); fetched != resp.ContentLength {
		os.Remove(tempPath)
		return "", fmt.Errorf("unexpected EOF from %s: got %d of %d bytes", f.url, fetched, resp.ContentLength)
	}

	// Move completed file download to final location
	if err := utils.MoveFile(tempPath, filepath.Join(f.storeDir, f.saveName)); err != nil {
		return "", fmt.Errorf("failed to move completed download: %w", err)
	}
	if f.Aborted() {
		return "", ErrAborted
	}

	return f.saveName, nil
}
