package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/models"
)

// StatusHandler handles status requests
type StatusHandler struct {
	db     *models.Database
	logger *logrus.Logger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db *models.Database, logger *logrus.Logger) *StatusHandler {
	return &StatusHandler{
		db:     db,
		logger: logger,
	}
}

// StatusResponse represents the status response
type StatusResponse struct {
	TotalEpisodes   int            `json:"total_episodes"`
	Fetching        int            `json:"fetching"`
	Uploading       int            `json:"uploading"`
	Complete        int            `json:"complete"`
	Failed          int            `json:"failed"`
	EpisodesByType  map[string]int `json:"episodes_by_type"`
	EpisodesByGroup map[string]int `json:"episodes_by_group"`
}

// ServeHTTP handles the status endpoint
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	response := StatusResponse{
		TotalEpisodes:   len(records),
		EpisodesByType:  make(map[string]int),
		EpisodesByGroup: make(map[string]int),
	}

	for _, record := range records {
		switch record.State {
		case models.StateFetching:
			response.Fetching++
		case models.StateUploading:
			response.Uploading++
		case models.StateComplete:
			response.Complete++
		case models.StateFailed:
			response.Failed++
		}

		response.EpisodesByType[string(record.FetchType)]++
		response.EpisodesByGroup[record.GroupName]++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
