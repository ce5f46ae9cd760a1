package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/controllers"
	"github.com/fetcharr/fetcharr/internal/models"
)

type fakeManager struct {
	active   map[string]*models.Episode
	abortErr error
	deleted  []string
}

func (f *fakeManager) ActiveEpisode(formattedName string) *models.Episode {
	return f.active[formattedName]
}

func (f *fakeManager) AbortAndDelete(episode *models.Episode) error {
	if f.abortErr != nil {
		return f.abortErr
	}
	f.deleted = append(f.deleted, episode.FormattedName())
	return nil
}

type fixedTransfer struct {
	fetched, length int64
}

func (fixedTransfer) AbortFetch()   {}
func (fixedTransfer) Aborted() bool { return false }
func (t fixedTransfer) Progress() (int64, int64) {
	return t.fetched, t.length
}

func testDB(t *testing.T) *models.Database {
	t.Helper()
	db, err := models.NewDatabase(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func putRecord(t *testing.T, db *models.Database, showName string, episode int, state models.FetchState) string {
	t.Helper()
	name := models.FormatEpisodeName(showName, episode, 1, "720p", "SubGroup", "")
	record := &models.EpisodeRecord{
		ShowName:   showName,
		Episode:    episode,
		Version:    1,
		Resolution: "720p",
		GroupName:  "SubGroup",
		FetchType:  models.FetchTypeTorrent,
		State:      state,
		Created:    time.Now(),
		Modified:   time.Now(),
	}
	if err := db.PutEpisodeRecord(models.RecordKey(name), record); err != nil {
		t.Fatal(err)
	}
	return name
}

func TestHealthHandler(t *testing.T) {
	handler := NewHealthHandler(logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status field = %q, want healthy", body["status"])
	}
}

func TestStatusHandlerCounts(t *testing.T) {
	db := testDB(t)
	putRecord(t, db, "Show A", 1, models.StateFetching)
	putRecord(t, db, "Show A", 2, models.StateComplete)
	putRecord(t, db, "Show B", 1, models.StateFailed)

	handler := NewStatusHandler(db, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var response StatusResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if response.TotalEpisodes != 3 {
		t.Errorf("TotalEpisodes = %d, want 3", response.TotalEpisodes)
	}
	if response.Fetching != 1 || response.Complete != 1 || response.Failed != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1", response.Fetching, response.Complete, response.Failed)
	}
	if response.EpisodesByType["torrent"] != 3 {
		t.Errorf("torrent count = %d, want 3", response.EpisodesByType["torrent"])
	}
	if response.EpisodesByGroup["SubGroup"] != 3 {
		t.Errorf("group count = %d, want 3", response.EpisodesByGroup["SubGroup"])
	}
}

func TestStatusHandlerRejectsPost(t *testing.T) {
	handler := NewStatusHandler(testDB(t), logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/status", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", recorder.Code)
	}
}

func TestEpisodesHandlerUsesLiveProgress(t *testing.T) {
	db := testDB(t)
	name := putRecord(t, db, "Some Show", 3, models.StateFetching)
	putRecord(t, db, "Some Show", 2, models.StateComplete)

	active := &models.Episode{
		ShowName:   "Some Show",
		Episode:    3,
		Version:    1,
		Resolution: "720p",
		GroupName:  "SubGroup",
	}
	active.SetState(models.StateFetching)
	active.SetTransfer(fixedTransfer{fetched: 524288, length: 1048576})
	manager := &fakeManager{active: map[string]*models.Episode{name: active}}

	handler := NewEpisodesHandler(db, manager, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/episodes", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
	var response []EpisodeResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatal(err)
	}
	if len(response) != 2 {
		t.Fatalf("listed %d episodes, want 2", len(response))
	}
	byName := make(map[string]EpisodeResponse)
	for _, episode := range response {
		byName[episode.Name] = episode
	}
	if got := byName[name].Progress; got != "fetching - 0.5MB/1.0MB (50.00%)" {
		t.Errorf("active progress = %q", got)
	}
	completeName := models.FormatEpisodeName("Some Show", 2, 1, "720p", "SubGroup", "")
	if got := byName[completeName].Progress; got != "complete" {
		t.Errorf("complete progress = %q", got)
	}
}

func TestEpisodeDeleteActive(t *testing.T) {
	db := testDB(t)
	name := putRecord(t, db, "Some Show", 3, models.StateFetching)
	active := &models.Episode{ShowName: "Some Show", Episode: 3, Version: 1, Resolution: "720p", GroupName: "SubGroup"}
	manager := &fakeManager{active: map[string]*models.Episode{name: active}}

	handler := NewEpisodeDeleteHandler(db, manager, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/episode/"+url.PathEscape(name), nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body)
	}
	if len(manager.deleted) != 1 || manager.deleted[0] != name {
		t.Errorf("deleted = %v, want [%s]", manager.deleted, name)
	}
}

func TestEpisodeDeleteRehydratesFromRecord(t *testing.T) {
	db := testDB(t)
	name := putRecord(t, db, "Some Show", 3, models.StateFailed)
	manager := &fakeManager{}

	handler := NewEpisodeDeleteHandler(db, manager, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/episode/"+url.PathEscape(name), nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", recorder.Code, recorder.Body)
	}
	if len(manager.deleted) != 1 || manager.deleted[0] != name {
		t.Errorf("deleted = %v, want [%s]", manager.deleted, name)
	}
}

func TestEpisodeDeleteUnknown(t *testing.T) {
	handler := NewEpisodeDeleteHandler(testDB(t), &fakeManager{}, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/episode/"+url.PathEscape("No Such Show - 01 [720p][SubGroup]"), nil))

	if recorder.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", recorder.Code)
	}
}

func TestEpisodeDeleteMissingName(t *testing.T) {
	handler := NewEpisodeDeleteHandler(testDB(t), &fakeManager{}, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/episode/", nil))

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", recorder.Code)
	}
}

func TestEpisodeDeleteUploadingConflict(t *testing.T) {
	db := testDB(t)
	name := putRecord(t, db, "Some Show", 3, models.StateUploading)
	manager := &fakeManager{abortErr: controllers.ErrUploadingNoAbort}

	handler := NewEpisodeDeleteHandler(db, manager, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/api/episode/"+url.PathEscape(name), nil))

	if recorder.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", recorder.Code)
	}
}

func TestEpisodeDeleteRejectsGet(t *testing.T) {
	handler := NewEpisodeDeleteHandler(testDB(t), &fakeManager{}, logrus.New())
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/episode/whatever", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", recorder.Code)
	}
}
