package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/controllers"
	"github.com/fetcharr/fetcharr/internal/models"
)

// EpisodeManager is the slice of the episode controller the API needs
type EpisodeManager interface {
	ActiveEpisode(formattedName string) *models.Episode
	AbortAndDelete(episode *models.Episode) error
}

// EpisodesHandler lists tracked episodes with their live progress
type EpisodesHandler struct {
	db      *models.Database
	manager EpisodeManager
	logger  *logrus.Logger
}

// NewEpisodesHandler creates a new episodes list handler
func NewEpisodesHandler(db *models.Database, manager EpisodeManager, logger *logrus.Logger) *EpisodesHandler {
	return &EpisodesHandler{
		db:      db,
		manager: manager,
		logger:  logger,
	}
}

// EpisodeResponse represents one tracked episode
type EpisodeResponse struct {
	Name      string    `json:"name"`
	ShowName  string    `json:"show_name"`
	Episode   int       `json:"episode"`
	GroupName string    `json:"group_name"`
	FetchType string    `json:"fetch_type"`
	State     string    `json:"state"`
	LastState string    `json:"last_state,omitempty"`
	Progress  string    `json:"progress"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
	Error     string    `json:"error,omitempty"`
}

// ServeHTTP handles the episodes list endpoint
func (h *EpisodesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, err := h.db.ListEpisodeRecords()
	if err != nil {
		h.logger.WithError(err).Error("Failed to list episode records")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	response := make([]EpisodeResponse, 0, len(records))
	for _, record := range records {
		name := models.FormatEpisodeName(record.ShowName, record.Episode, record.Version,
			record.Resolution, record.GroupName, record.CRC)
		progress := string(record.State)
		if active := h.manager.ActiveEpisode(name); active != nil {
			progress = active.ProgressString()
		}
		response = append(response, EpisodeResponse{
			Name:      name,
			ShowName:  record.ShowName,
			Episode:   record.Episode,
			GroupName: record.GroupName,
			FetchType: string(record.FetchType),
			State:     string(record.State),
			LastState: string(record.LastState),
			Progress:  progress,
			Created:   record.Created,
			Modified:  record.Modified,
			Error:     record.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// EpisodeDeleteHandler aborts and removes a single episode by its
// formatted name
type EpisodeDeleteHandler struct {
	db      *models.Database
	manager EpisodeManager
	logger  *logrus.Logger
}

// NewEpisodeDeleteHandler creates a new episode delete handler
func NewEpisodeDeleteHandler(db *models.Database, manager EpisodeManager, logger *logrus.Logger) *EpisodeDeleteHandler {
	return &EpisodeDeleteHandler{
		db:      db,
		manager: manager,
		logger:  logger,
	}
}

// ServeHTTP handles DELETE requests for a single episode. The episode's
// formatted name follows the route prefix.
func (h *EpisodeDeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/episode/")
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "Must provide episode formatted name to delete")
		return
	}

	// Prefer the in-flight episode so an active transfer gets aborted,
	// otherwise rehydrate from the stored record
	episode := h.manager.ActiveEpisode(name)
	if episode == nil {
		record, err := h.db.GetEpisodeRecord(models.RecordKey(name))
		if errors.Is(err, models.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "Requested item was not found")
			return
		}
		if err != nil {
			h.logger.WithError(err).WithField("episode", name).Error("Failed to look up episode record")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		episode = models.EpisodeFromRecord(record)
	}

	if err := h.manager.AbortAndDelete(episode); err != nil {
		switch {
		case errors.Is(err, controllers.ErrUploadingNoAbort):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, models.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "Requested item was not found")
		default:
			h.logger.WithError(err).WithField("episode", name).Error("Failed to delete episode")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	h.logger.WithField("episode", name).Info("Deleted episode via API")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"success": fmt.Sprintf("Deleted %s", name)})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
