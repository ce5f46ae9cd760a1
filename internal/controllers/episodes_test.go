package controllers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/fetcher"
	"github.com/fetcharr/fetcharr/internal/mediainfo"
	"github.com/fetcharr/fetcharr/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	recs   map[string]*models.EpisodeRecord
	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]*models.EpisodeRecord)}
}

func (s *fakeStore) GetEpisodeRecord(key string) (*models.EpisodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.recs[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *fakeStore) PutEpisodeRecord(key string, rec *models.EpisodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.recs[key] = &copied
	return nil
}

func (s *fakeStore) DeleteEpisodeRecord(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[key]; !ok {
		return models.ErrNotFound
	}
	delete(s.recs, key)
	return nil
}

func (s *fakeStore) ListEpisodeRecords() ([]*models.EpisodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*models.EpisodeRecord, 0, len(s.recs))
	for _, rec := range s.recs {
		copied := *rec
		recs = append(recs, &copied)
	}
	return recs, nil
}

func (s *fakeStore) record(t *testing.T, key string) *models.EpisodeRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		t.Fatalf("no record for key %q", key)
	}
	copied := *rec
	return &copied
}

type stubMediaInfo struct {
	err error
}

func (s *stubMediaInfo) Get(ctx context.Context, path string) (*mediainfo.Info, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &mediainfo.Info{Codec: "h264", Audio: "AAC", AudioChannels: "2.0", Text: "mediainfo"}, nil
}

type stubTorrentMaker struct {
	err error
}

func (s *stubTorrentMaker) Make(ctx context.Context, torrentPath, sourcePath string) error {
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(torrentPath, []byte("torrent"), 0644)
}

type stubTrackerClient struct {
	uploads atomic.Int32
}

func (s *stubTrackerClient) Upload(ctx context.Context, episode *models.Episode, info *mediainfo.Info, torrentPath string) error {
	s.uploads.Add(1)
	return nil
}

type stubAnnouncer struct {
	mu       sync.Mutex
	messages []string
}

func (s *stubAnnouncer) ControlAnnounce(message string) {
	s.mu.Lock()
	s.messages = append(s.messages, message)
	s.mu.Unlock()
}

func (s *stubAnnouncer) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type stubEpisodeFetcher struct {
	result  string
	err     error
	aborted atomic.Bool
	started chan struct{}
	release chan struct{}
}

func (f *stubEpisodeFetcher) Fetch(ctx context.Context) (string, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	if f.aborted.Load() {
		return "", fetcher.ErrAborted
	}
	return f.result, f.err
}

func (f *stubEpisodeFetcher) AbortFetch()              { f.aborted.Store(true) }
func (f *stubEpisodeFetcher) Aborted() bool            { return f.aborted.Load() }
func (f *stubEpisodeFetcher) Progress() (int64, int64) { return 0, 0 }
func (f *stubEpisodeFetcher) Kind() string             { return "stub" }

type testHarness struct {
	controller   *EpisodeController
	store        *fakeStore
	announcer    *stubAnnouncer
	tracker      *stubTrackerClient
	mediaInfo    *stubMediaInfo
	torrentMaker *stubTorrentMaker
	torrentDir   string
	fetchCount   atomic.Int32
}

func newHarness(t *testing.T, stub *stubEpisodeFetcher) *testHarness {
	t.Helper()
	h := &testHarness{
		store:        newFakeStore(),
		announcer:    &stubAnnouncer{},
		tracker:      &stubTrackerClient{},
		mediaInfo:    &stubMediaInfo{},
		torrentMaker: &stubTorrentMaker{},
		torrentDir:   t.TempDir(),
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	h.controller = NewEpisodeController(EpisodeDeps{
		Store:      h.store,
		MediaInfo:  h.mediaInfo,
		Torrents:   h.torrentMaker,
		Tracker:    h.tracker,
		Announcer:  h.announcer,
		StorageDir: t.TempDir(),
		TempDir:    t.TempDir(),
		TorrentDir: h.torrentDir,
		Logger:     logger,
	})
	h.controller.newFetcher = func(kind, link, saveName string, deps fetcher.Deps) (fetcher.Fetcher, error) {
		h.fetchCount.Add(1)
		return stub, nil
	}
	return h
}

func testEpisode() *models.Episode {
	return &models.Episode{
		ShowName:   "Some Show",
		Episode:    3,
		Version:    1,
		Resolution: "720p",
		GroupID:    "123",
		GroupName:  "SubGroup",
		Media:      "TV",
		Subbing:    "Softsubs",
		FetchType:  models.FetchTypeHTTP,
		FetchLink:  "http://example.com/ep3",
		SaveName:   "Some Show - 03.mkv",
	}
}

func TestFetchEpisodeFullPipeline(t *testing.T) {
	stub := &stubEpisodeFetcher{result: "Some Show - 03.mkv"}
	h := newHarness(t, stub)
	episode := testEpisode()

	h.controller.FetchEpisode(context.Background(), episode)

	rec := h.store.record(t, episode.Key())
	if rec.State != models.StateComplete {
		t.Errorf("state = %q, want complete", rec.State)
	}
	if rec.LastState != models.StateUploading {
		t.Errorf("lastState = %q, want uploading", rec.LastState)
	}
	if rec.Created.IsZero() || rec.Modified.Before(rec.Created) {
		t.Errorf("timestamps created=%v modified=%v look wrong", rec.Created, rec.Modified)
	}
	if h.tracker.uploads.Load() != 1 {
		t.Errorf("uploads = %d, want 1", h.tracker.uploads.Load())
	}

	torrentFile := filepath.Join(h.torrentDir, episode.FormattedName()+".torrent")
	if _, err := os.Stat(torrentFile); err != nil {
		t.Errorf("torrent file not moved to torrent dir: %v", err)
	}

	messages := h.announcer.all()
	if len(messages) != 2 {
		t.Fatalf("announcements = %v, want fetching and completed", messages)
	}
	if messages[0] != "AIRING | fetching: "+episode.FormattedName() {
		t.Errorf("first announcement = %q", messages[0])
	}
	if messages[1] != "AIRING | completed: "+episode.FormattedName() {
		t.Errorf("second announcement = %q", messages[1])
	}

	if h.controller.ActiveEpisode(episode.FormattedName()) != nil {
		t.Error("episode still active after completion")
	}
}

func TestFetchEpisodeDeduplicates(t *testing.T) {
	stub := &stubEpisodeFetcher{
		result:  "Some Show - 03.mkv",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, stub)

	first := testEpisode()
	go h.controller.FetchEpisode(context.Background(), first)
	<-stub.started

	// A second announcement of the same episode must be a no-op
	h.controller.FetchEpisode(context.Background(), testEpisode())
	if count := h.fetchCount.Load(); count != 1 {
		t.Errorf("fetcher constructed %d times, want 1", count)
	}

	close(stub.release)
}

func TestFetchEpisodeSkipsCompleted(t *testing.T) {
	stub := &stubEpisodeFetcher{result: "Some Show - 03.mkv"}
	h := newHarness(t, stub)
	episode := testEpisode()

	rec := episode.ToRecord()
	rec.State = models.StateComplete
	if err := h.store.PutEpisodeRecord(episode.Key(), rec); err != nil {
		t.Fatal(err)
	}

	h.controller.FetchEpisode(context.Background(), episode)
	if h.fetchCount.Load() != 0 {
		t.Error("fetch started for an already completed episode")
	}
}

func TestFetchEpisodeSkipsOnStoreError(t *testing.T) {
	stub := &stubEpisodeFetcher{result: "Some Show - 03.mkv"}
	h := newHarness(t, stub)
	h.store.getErr = errors.New("disk exploded")

	h.controller.FetchEpisode(context.Background(), testEpisode())
	if h.fetchCount.Load() != 0 {
		t.Error("fetch started although the state store was unreadable")
	}
}

func TestFetchEpisodeFailureRecorded(t *testing.T) {
	stub := &stubEpisodeFetcher{err: errors.New("connection reset")}
	h := newHarness(t, stub)
	episode := testEpisode()

	h.controller.FetchEpisode(context.Background(), episode)

	rec := h.store.record(t, episode.Key())
	if rec.State != models.StateFailed {
		t.Errorf("state = %q, want failed", rec.State)
	}
	if rec.LastState != models.StateFetching {
		t.Errorf("lastState = %q, want fetching", rec.LastState)
	}
	if rec.Error == "" {
		t.Error("error message not recorded")
	}

	messages := h.announcer.all()
	if len(messages) != 2 || messages[1] != "AIRING | errored: "+episode.FormattedName()+" - connection reset" {
		t.Errorf("announcements = %v, want an errored announcement", messages)
	}
}

func TestAbortIsNotFailure(t *testing.T) {
	stub := &stubEpisodeFetcher{
		result:  "Some Show - 03.mkv",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	h := newHarness(t, stub)
	episode := testEpisode()

	done := make(chan struct{})
	go func() {
		h.controller.FetchEpisode(context.Background(), episode)
		close(done)
	}()
	<-stub.started

	active := h.controller.ActiveEpisode(episode.FormattedName())
	if active == nil {
		t.Fatal("episode not in active registry while fetching")
	}
	if err := h.controller.AbortAndDelete(active); err != nil {
		t.Fatalf("AbortAndDelete() error = %v", err)
	}
	close(stub.release)
	<-done

	if _, err := h.store.GetEpisodeRecord(episode.Key()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("record lookup after abort = %v, want not found", err)
	}
	for _, message := range h.announcer.all() {
		if strings.HasPrefix(message, "AIRING | errored:") {
			t.Error("abort produced an errored announcement")
		}
	}
}

func TestAbortAndDeleteRejectsUploading(t *testing.T) {
	stub := &stubEpisodeFetcher{}
	h := newHarness(t, stub)
	episode := testEpisode()
	episode.SetTransfer(stub)
	episode.SetState(models.StateUploading)

	if err := h.controller.AbortAndDelete(episode); !errors.Is(err, ErrUploadingNoAbort) {
		t.Errorf("AbortAndDelete() error = %v, want ErrUploadingNoAbort", err)
	}
	if stub.Aborted() {
		t.Error("fetcher aborted although the episode was uploading")
	}
}

func TestAbortAndDeleteWithoutFetcher(t *testing.T) {
	stub := &stubEpisodeFetcher{}
	h := newHarness(t, stub)
	episode := testEpisode()

	rec := episode.ToRecord()
	rec.State = models.StateFailed
	if err := h.store.PutEpisodeRecord(episode.Key(), rec); err != nil {
		t.Fatal(err)
	}

	if err := h.controller.AbortAndDelete(episode); err != nil {
		t.Fatalf("AbortAndDelete() error = %v", err)
	}
	if _, err := h.store.GetEpisodeRecord(episode.Key()); !errors.Is(err, models.ErrNotFound) {
		t.Error("record not deleted")
	}
}

func TestRecoverResumesIncomplete(t *testing.T) {
	stub := &stubEpisodeFetcher{
		result:  "Some Show - 03.mkv",
		started: make(chan struct{}),
	}
	h := newHarness(t, stub)

	interrupted := testEpisode()
	rec := interrupted.ToRecord()
	rec.State = models.StateFetching
	if err := h.store.PutEpisodeRecord(interrupted.Key(), rec); err != nil {
		t.Fatal(err)
	}

	finished := testEpisode()
	finished.Episode = 2
	finishedRec := finished.ToRecord()
	finishedRec.State = models.StateComplete
	if err := h.store.PutEpisodeRecord(finished.Key(), finishedRec); err != nil {
		t.Fatal(err)
	}

	if err := h.controller.Recover(context.Background()); err != nil {
		t.Fatalf("Recover() error = %v", err)
	}

	select {
	case <-stub.started:
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted episode was not resumed")
	}

	// Give the resumed pipeline a moment to finish, then check it only
	// ran for the interrupted episode
	deadline := time.Now().Add(5 * time.Second)
	for h.controller.ActiveEpisode(interrupted.FormattedName()) != nil {
		if time.Now().After(deadline) {
			t.Fatal("resumed episode never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if count := h.fetchCount.Load(); count != 1 {
		t.Errorf("fetcher constructed %d times, want 1", count)
	}
	if got := h.store.record(t, interrupted.Key()).State; got != models.StateComplete {
		t.Errorf("resumed episode state = %q, want complete", got)
	}
}
