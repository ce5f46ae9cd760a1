package reloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/catalog"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/sources"
)

const (
	showsReloadPeriod    = 2 * time.Minute
	sourcesRefreshPeriod = 5 * time.Minute
	// How soon to retry a refresh that ran into an in-progress reload
	reloadBackoff  = 15 * time.Second
	operationLimit = time.Minute
)

// Catalog is the shows definition provider the reloader drives
type Catalog interface {
	Reload(ctx context.Context) (bool, error)
	Document() *catalog.Document
}

// Reloader keeps the groups, shows and sources in sync with the catalog
// on fixed schedules. Reloads rebuild the source set when the definition
// changed; refreshes poll the active sources for new releases.
type Reloader struct {
	catalog    Catalog
	sourceDeps sources.Deps
	logger     *logrus.Logger

	mu           sync.Mutex
	reloading    bool
	stopped      bool
	reloadTimer  *time.Timer
	refreshTimer *time.Timer
	groups       map[string]*models.Group
	active       []sources.Source
}

// New creates a reloader
func New(cat Catalog, sourceDeps sources.Deps, logger *logrus.Logger) *Reloader {
	return &Reloader{
		catalog:    cat,
		sourceDeps: sourceDeps,
		logger:     logger,
	}
}

// Start runs an initial reload and refresh synchronously, then keeps both
// running on their schedules
func (r *Reloader) Start() {
	r.ReloadShowsAndGroups()
	r.RefreshSources()
}

// Stop cancels the schedules. In-flight operations finish on their own.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.reloadTimer != nil {
		r.reloadTimer.Stop()
	}
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
	}
}

// TriggerShowReload requests an immediate reload, used by the control
// channel
func (r *Reloader) TriggerShowReload() {
	go r.ReloadShowsAndGroups()
}

// TriggerSourceRefresh requests an immediate source refresh, used by the
// control channel
func (r *Reloader) TriggerSourceRefresh() {
	go r.RefreshSources()
}

// Sources returns a snapshot of the active sources
func (r *Reloader) Sources() []sources.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sources.Source(nil), r.active...)
}

// ReloadShowsAndGroups reloads the catalog and rebuilds groups, shows and
// sources when the definition changed. Reschedules itself when done.
func (r *Reloader) ReloadShowsAndGroups() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.reloadTimer != nil {
		r.reloadTimer.Stop()
	}
	r.reloading = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), operationLimit)
	defer cancel()

	r.logger.Debug("Starting shows definition reload")
	changed, err := r.catalog.Reload(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Unexpected error reloading shows definition")
	} else if changed {
		r.logger.Info("Shows definition changed; updating now")
		if err := r.rebuild(); err != nil {
			r.logger.WithError(err).Error("Failed to rebuild groups and sources")
		}
	}
	r.logger.Debug("Shows definition reload complete")

	r.mu.Lock()
	r.reloading = false
	if !r.stopped {
		if r.reloadTimer != nil {
			r.reloadTimer.Stop()
		}
		r.reloadTimer = time.AfterFunc(showsReloadPeriod, r.ReloadShowsAndGroups)
	}
	r.mu.Unlock()
}

// RefreshSources polls every active source once. If a reload is in
// progress the refresh backs off briefly instead of racing the rebuild.
// Reschedules itself when done.
func (r *Reloader) RefreshSources() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.refreshTimer != nil {
		r.refreshTimer.Stop()
	}
	if r.reloading {
		r.refreshTimer = time.AfterFunc(reloadBackoff, r.RefreshSources)
		r.mu.Unlock()
		return
	}
	snapshot := append([]sources.Source(nil), r.active...)
	r.mu.Unlock()

	r.logger.Debug("Starting sources refresh")
	for _, source := range snapshot {
		ctx, cancel := context.WithTimeout(context.Background(), operationLimit)
		source.Fetch(ctx)
		cancel()
	}
	r.logger.Debug("Sources refresh complete")

	r.mu.Lock()
	if !r.stopped {
		if r.refreshTimer != nil {
			r.refreshTimer.Stop()
		}
		r.refreshTimer = time.AfterFunc(sourcesRefreshPeriod, r.RefreshSources)
	}
	r.mu.Unlock()
}

// rebuild replaces the current groups, shows and sources from the
// catalog document. The old sources are detached before the replacement
// set is built so a release is never dispatched to two source sets at
// once.
func (r *Reloader) rebuild() error {
	doc := r.catalog.Document()
	if doc == nil {
		return errors.New("no shows definition loaded")
	}

	r.mu.Lock()
	old := r.active
	r.active = nil
	r.mu.Unlock()
	closeAll(old)

	groups := make(map[string]*models.Group, len(doc.Releasers))
	var active []sources.Source
	for key, def := range doc.Releasers {
		group := models.NewGroup(key, def.Name)
		groups[key] = group
		for _, sourceDefs := range def.Sources {
			for typeSpec, options := range sourceDefs {
				source, err := sources.New(typeSpec, group, options, r.sourceDeps)
				if err != nil {
					closeAll(active)
					return fmt.Errorf("failed to build %s source for %s: %w", typeSpec, group.Name, err)
				}
				active = append(active, source)
			}
		}
	}
	if err := models.LoadShows(doc.Shows, groups); err != nil {
		closeAll(active)
		return err
	}

	r.mu.Lock()
	r.active = active
	r.groups = groups
	r.mu.Unlock()
	return nil
}

func closeAll(sourceList []sources.Source) {
	for _, source := range sourceList {
		source.Close()
	}
}
