package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/models"
)

// ReleaserDefinition is the catalog JSON shape for one releaser group.
// Each source entry maps a combined "<source>+<fetch>" type spec to its
// options.
type ReleaserDefinition struct {
	Name    string                            `json:"name"`
	Sources []map[string]models.SourceOptions `json:"sources"`
}

// Document is the full shows and releasers definition from the tracker
type Document struct {
	Shows     map[string]models.ShowDefinition `json:"shows"`
	Releasers map[string]ReleaserDefinition    `json:"releasers"`
}

// ShowsGetter retrieves the raw shows definition from the tracker
type ShowsGetter interface {
	GetShows(ctx context.Context) ([]byte, error)
}

// Fetcher keeps the current shows and releasers definition, refreshing it
// from the tracker and falling back to an on-disk cache when the tracker
// is unreachable
type Fetcher struct {
	tracker   ShowsGetter
	cacheFile string
	logger    *logrus.Logger

	mu       sync.Mutex
	lastHash string
	document *Document
}

// NewFetcher creates a catalog fetcher caching to the given file
func NewFetcher(tracker ShowsGetter, cacheFile string, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		tracker:   tracker,
		cacheFile: cacheFile,
		logger:    logger,
	}
}

// Reload refreshes the definition and reports whether it changed since
// the last successful reload. The raw bytes are validated as JSON before
// they replace the on-disk cache.
func (f *Fetcher) Reload(ctx context.Context) (bool, error) {
	raw, err := f.tracker.GetShows(ctx)
	if err != nil {
		f.logger.WithError(err).Warn("Error fetching shows remotely; continuing from cache")
		raw, err = os.ReadFile(f.cacheFile)
		if err != nil {
			return false, fmt.Errorf("failed to read cached shows definition: %w", err)
		}
	}

	sum := sha256.Sum256(raw)
	hash := base64.StdEncoding.EncodeToString(sum[:])

	f.mu.Lock()
	defer f.mu.Unlock()
	if hash == f.lastHash {
		return false, nil
	}

	var document Document
	if err := json.Unmarshal(raw, &document); err != nil {
		return false, fmt.Errorf("invalid shows definition: %w", err)
	}
	if err := os.WriteFile(f.cacheFile, raw, 0644); err != nil {
		return false, fmt.Errorf("failed to cache shows definition: %w", err)
	}

	f.lastHash = hash
	f.document = &document
	return true, nil
}

// Document returns the definition from the last successful reload, or
// nil before the first one
func (f *Fetcher) Document() *Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.document
}
