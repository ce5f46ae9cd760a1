package controllers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/fetcher"
	"github.com/fetcharr/fetcharr/internal/mediainfo"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/utils"
)

const (
	uploadAttempts   = 3
	uploadRetryDelay = 30 * time.Second
)

// ErrUploadingNoAbort is returned when an abort is requested for an
// episode whose transfer already finished and is being uploaded
var ErrUploadingNoAbort = errors.New("cannot abort fetching episode in uploading state")

// Store is the episode state persistence the controller needs
type Store interface {
	GetEpisodeRecord(key string) (*models.EpisodeRecord, error)
	PutEpisodeRecord(key string, rec *models.EpisodeRecord) error
	DeleteEpisodeRecord(key string) error
	ListEpisodeRecords() ([]*models.EpisodeRecord, error)
}

// MediaInfoClient inspects a downloaded file
type MediaInfoClient interface {
	Get(ctx context.Context, path string) (*mediainfo.Info, error)
}

// TorrentMaker builds a .torrent file for a payload
type TorrentMaker interface {
	Make(ctx context.Context, torrentPath, sourcePath string) error
}

// TrackerClient uploads finished episodes to the tracker
type TrackerClient interface {
	Upload(ctx context.Context, episode *models.Episode, info *mediainfo.Info, torrentPath string) error
}

// Announcer delivers operator-facing status messages
type Announcer interface {
	ControlAnnounce(message string)
}

// EpisodeDeps carries the collaborators for the episode controller
type EpisodeDeps struct {
	Store       Store
	MediaInfo   MediaInfoClient
	Torrents    TorrentMaker
	Tracker     TrackerClient
	Announcer   Announcer
	FetcherDeps fetcher.Deps
	StorageDir  string
	TempDir     string
	TorrentDir  string
	Logger      *logrus.Logger
}

// EpisodeController drives episodes through fetch, metadata, torrent
// creation and upload, with state persisted at each step so interrupted
// episodes can resume after a restart
type EpisodeController struct {
	deps EpisodeDeps

	// newFetcher is replaceable for tests
	newFetcher func(kind, link, saveName string, deps fetcher.Deps) (fetcher.Fetcher, error)

	mu     sync.Mutex
	active map[string]*models.Episode
}

// NewEpisodeController creates an episode controller
func NewEpisodeController(deps EpisodeDeps) *EpisodeController {
	return &EpisodeController{
		deps:       deps,
		newFetcher: fetcher.New,
		active:     make(map[string]*models.Episode),
	}
}

// StartFetch begins processing an episode in the background
func (c *EpisodeController) StartFetch(episode *models.Episode) {
	go c.FetchEpisode(context.Background(), episode)
}

// ActiveEpisode returns the in-flight episode with the given formatted
// name, or nil
func (c *EpisodeController) ActiveEpisode(formattedName string) *models.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[models.RecordKey(formattedName)]
}

// ActiveEpisodes returns all episodes currently being processed
func (c *EpisodeController) ActiveEpisodes() []*models.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	episodes := make([]*models.Episode, 0, len(c.active))
	for _, episode := range c.active {
		episodes = append(episodes, episode)
	}
	return episodes
}

// reserve claims the episode's slot in the active registry. It returns
// false when another instance of the same episode is already running.
func (c *EpisodeController) reserve(episode *models.Episode) bool {
	key := episode.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[key]; exists {
		return false
	}
	c.active[key] = episode
	return true
}

func (c *EpisodeController) release(episode *models.Episode) {
	c.mu.Lock()
	delete(c.active, episode.Key())
	c.mu.Unlock()
}

// isAlreadyComplete reports whether this episode already reached the
// complete state. When the store cannot be read the answer is true, since
// re-fetching a possibly uploaded episode is worse than skipping one.
func (c *EpisodeController) isAlreadyComplete(episode *models.Episode) bool {
	rec, err := c.deps.Store.GetEpisodeRecord(episode.Key())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return false
		}
		c.deps.Logger.WithField("episode", episode.FormattedName()).WithError(err).Error(
			"Error checking state store; can't determine state")
		return true
	}
	return rec.State == models.StateComplete
}

// FetchEpisode runs the full pipeline for one episode. Duplicate calls
// for the same episode and episodes already marked complete are no-ops.
func (c *EpisodeController) FetchEpisode(ctx context.Context, episode *models.Episode) {
	if !c.reserve(episode) {
		return
	}
	defer c.release(episode)

	if c.isAlreadyComplete(episode) {
		return
	}

	name := episode.FormattedName()
	log := c.deps.Logger.WithField("episode", name)

	f, err := c.newFetcher(string(episode.FetchType), episode.FetchLink, episode.SaveName, c.deps.FetcherDeps)
	if err != nil {
		c.fail(episode, err)
		return
	}
	episode.SetTransfer(f)

	metrics.ActiveEpisodes.Inc()
	defer metrics.ActiveEpisodes.Dec()
	metrics.EpisodesStarted.WithLabelValues(f.Kind()).Inc()

	log.Info("Starting fetch")
	if err := c.saveToState(episode, models.StateFetching, ""); err != nil {
		c.fail(episode, err)
		return
	}
	c.deps.Announcer.ControlAnnounce("AIRING | fetching: " + name)

	resolvedName, err := f.Fetch(ctx)
	if err != nil {
		c.fail(episode, err)
		return
	}

	log.Info("Finished fetch; gathering metadata and uploading")
	if err := c.saveToState(episode, models.StateUploading, ""); err != nil {
		c.fail(episode, err)
		return
	}

	storagePath := filepath.Join(c.deps.StorageDir, resolvedName)
	info, err := c.deps.MediaInfo.Get(ctx, storagePath)
	if err != nil {
		c.fail(episode, err)
		return
	}

	torrentPath := filepath.Join(c.deps.TempDir, name+".torrent")
	if err := c.deps.Torrents.Make(ctx, torrentPath, storagePath); err != nil {
		c.fail(episode, err)
		return
	}
	err = utils.Retry(func() error {
		return c.deps.Tracker.Upload(ctx, episode, info, torrentPath)
	}, uploadAttempts, uploadRetryDelay)
	if err != nil {
		metrics.UploadErrors.Inc()
		c.fail(episode, err)
		return
	}
	if err := utils.MoveFile(torrentPath, filepath.Join(c.deps.TorrentDir, name+".torrent")); err != nil {
		c.fail(episode, err)
		return
	}

	log.Info("Upload complete")
	if err := c.saveToState(episode, models.StateComplete, ""); err != nil {
		c.fail(episode, err)
		return
	}
	metrics.EpisodesFinished.WithLabelValues("complete").Inc()
	c.deps.Announcer.ControlAnnounce("AIRING | completed: " + name)
}

// fail records a failed outcome. An aborted episode is not a failure:
// its state has already been removed and must not be overwritten.
func (c *EpisodeController) fail(episode *models.Episode, cause error) {
	if t := episode.Transfer(); t != nil && t.Aborted() {
		metrics.EpisodesFinished.WithLabelValues("aborted").Inc()
		return
	}
	name := episode.FormattedName()
	c.deps.Logger.WithField("episode", name).WithError(cause).Error("Failed to fetch or upload episode")
	if err := c.saveToState(episode, models.StateFailed, cause.Error()); err != nil {
		c.deps.Logger.WithField("episode", name).WithError(err).Error("Failed to record failed state")
	}
	metrics.EpisodesFinished.WithLabelValues("failed").Inc()
	c.deps.Announcer.ControlAnnounce("AIRING | errored: " + name + " - " + cause.Error())
}

// saveToState persists a state transition, preserving the original
// creation time and capturing the previous state
func (c *EpisodeController) saveToState(episode *models.Episode, state models.FetchState, errorMessage string) error {
	episode.SetState(state)
	key := episode.Key()
	now := time.Now().UTC()

	rec := episode.ToRecord()
	rec.State = state
	rec.Created = now
	rec.Modified = now
	rec.Error = errorMessage

	current, err := c.deps.Store.GetEpisodeRecord(key)
	if err == nil {
		rec.LastState = current.State
		rec.Created = current.Created
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}
	return c.deps.Store.PutEpisodeRecord(key, rec)
}

// AbortAndDelete cancels an in-flight transfer and removes the episode
// from the state store. Episodes already uploading cannot be aborted.
func (c *EpisodeController) AbortAndDelete(episode *models.Episode) error {
	name := episode.FormattedName()
	if t := episode.Transfer(); t != nil {
		if episode.CurrentState() == models.StateUploading {
			return ErrUploadingNoAbort
		}
		c.deps.Logger.WithField("episode", name).Info("Aborting fetch")
		t.AbortFetch()
	}
	c.deps.Logger.WithField("episode", name).Info("Deleting state")
	return c.deps.Store.DeleteEpisodeRecord(episode.Key())
}

// Recover restarts processing for every persisted episode that never
// reached the complete state. Safe to call on every startup.
func (c *EpisodeController) Recover(ctx context.Context) error {
	recs, err := c.deps.Store.ListEpisodeRecords()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.State == "" || rec.State == models.StateComplete {
			continue
		}
		episode := models.EpisodeFromRecord(rec)
		episode.SetState("")
		c.deps.Logger.WithField("episode", episode.FormattedName()).Info("Resuming interrupted episode")
		c.StartFetch(episode)
	}
	return nil
}
