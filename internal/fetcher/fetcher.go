package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/anacrolix/torrent"
	"github.com/sirupsen/logrus"
)

// ErrAborted is returned from Fetch when the transfer was cancelled via
// AbortFetch. Callers treat it as a distinct outcome, never as a failure.
var ErrAborted = errors.New("fetch aborted")

// Fetcher drives a single transfer attempt to completion
type Fetcher interface {
	// Fetch runs the transfer and returns the final local filename
	// (relative to the storage directory) on success.
	Fetch(ctx context.Context) (string, error)
	// AbortFetch requests cooperative cancellation. It is safe to call
	// multiple times and after the transfer has finished.
	AbortFetch()
	// Aborted reports whether AbortFetch has been called
	Aborted() bool
	// Progress returns bytes transferred so far and the expected total
	// (0 until the backend reports it). Safe to call concurrently with
	// the transfer.
	Progress() (fetched, length int64)
	// Kind returns the transfer kind this fetcher implements
	Kind() string
}

// Deps carries the shared resources a fetcher may need. The torrent
// client is shared by all torrent fetchers.
type Deps struct {
	TempDir       string
	StorageDir    string
	TransientDir  string
	TorrentClient *torrent.Client
	MaxActive     int
	Logger        *logrus.Logger
}

// Constructor builds a fetcher for one transfer attempt
type Constructor func(link, saveName string, deps Deps) Fetcher

var registered = map[string]Constructor{}

// Register adds a fetcher constructor for a transfer kind. Backends
// register themselves from init so new kinds can be added without
// touching the episode driver.
func Register(kind string, ctor Constructor) {
	registered[kind] = ctor
}

// New constructs a fetcher for the given transfer kind
func New(kind, link, saveName string, deps Deps) (Fetcher, error) {
	ctor, ok := registered[kind]
	if !ok {
		return nil, fmt.Errorf("fetcher type %s does not exist", kind)
	}
	return ctor(link, saveName, deps), nil
}

// progress tracks transfer counters readable concurrently with the fetch
type progress struct {
	fetched atomic.Int64
	length  atomic.Int64
	aborted atomic.Bool
}

func (p *progress) Progress() (int64, int64) {
	return p.fetched.Load(), p.length.Load()
}

func (p *progress) Aborted() bool {
	return p.aborted.Load()
}
