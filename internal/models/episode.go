package models

import (
	"fmt"
	"sync"
	"time"
)

// Transfer is the view of an in-flight fetch the episode model needs for
// progress reporting and cancellation. The concrete implementations live
// in the fetcher package.
type Transfer interface {
	AbortFetch()
	Aborted() bool
	Progress() (fetched, length int64)
}

// Episode represents one wanted release instance
type Episode struct {
	ShowName   string    `json:"showName"`
	Episode    int       `json:"episode"`
	Version    int       `json:"version"`
	Resolution string    `json:"resolution"`
	CRC        string    `json:"crc,omitempty"`
	GroupID    string    `json:"groupID"`
	GroupName  string    `json:"groupName"`
	Media      string    `json:"media"`
	Subbing    string    `json:"subbing"`
	FetchType  FetchType `json:"fetchType"`
	FetchLink  string    `json:"fetchLink"`
	SaveName   string    `json:"saveName"` // sanitized on-disk filename

	// Transient, never persisted. The driver goroutine writes these
	// while the API reads progress, so access goes through the guarded
	// accessors below.
	mu      sync.Mutex
	fetcher Transfer
	state   FetchState

	formattedName string
}

// SetState records the lifecycle state
func (e *Episode) SetState(state FetchState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// CurrentState returns the lifecycle state
func (e *Episode) CurrentState() FetchState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetTransfer attaches the running transfer
func (e *Episode) SetTransfer(t Transfer) {
	e.mu.Lock()
	e.fetcher = t
	e.mu.Unlock()
}

// Transfer returns the running transfer, nil when none is attached
func (e *Episode) Transfer() Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetcher
}

// EpisodeRecord is the persisted form of an episode job
type EpisodeRecord struct {
	ShowName   string    `json:"showName"`
	Episode    int       `json:"episode"`
	Version    int       `json:"version"`
	Resolution string    `json:"resolution"`
	CRC        string    `json:"crc,omitempty"`
	GroupID    string    `json:"groupID"`
	GroupName  string    `json:"groupName"`
	Media      string    `json:"media"`
	Subbing    string    `json:"subbing"`
	FetchType  FetchType `json:"fetchType"`
	FetchLink  string    `json:"fetchLink"`
	SaveName   string    `json:"saveName"`

	State     FetchState `json:"state"`
	LastState FetchState `json:"lastState"`
	Created   time.Time  `json:"created"`
	Modified  time.Time  `json:"modified"`
	Error     string     `json:"error,omitempty"`
}

// FormattedName returns the canonical display name for this episode.
// It doubles as the persistence and dedup key, so it is computed once
// and cached.
func (e *Episode) FormattedName() string {
	if e.formattedName != "" {
		return e.formattedName
	}
	e.formattedName = FormatEpisodeName(e.ShowName, e.Episode, e.Version, e.Resolution, e.GroupName, e.CRC)
	return e.formattedName
}

// FormatEpisodeName builds the canonical display name from episode attributes
func FormatEpisodeName(showName string, episode, version int, resolution, groupName, crc string) string {
	formatted := fmt.Sprintf("%s - %02d", showName, episode)
	if version != 1 {
		formatted += fmt.Sprintf("v%d", version)
	}
	formatted += fmt.Sprintf(" [%s][%s]", resolution, groupName)
	if crc != "" {
		formatted += fmt.Sprintf("[%s]", crc)
	}
	return formatted
}

// Key returns the state store key for this episode
func (e *Episode) Key() string {
	return RecordKey(e.FormattedName())
}

// RecordKey builds the state store key for a formatted episode name
func RecordKey(formattedName string) string {
	return "file::" + formattedName
}

// ProgressString describes the episode's current progress for operators
func (e *Episode) ProgressString() string {
	e.mu.Lock()
	state, transfer := e.state, e.fetcher
	e.mu.Unlock()
	if state == "" {
		return "pending"
	}
	message := string(state)
	if state != StateFetching || transfer == nil {
		return message
	}
	fetched, length := transfer.Progress()
	if length <= 0 {
		return message
	}
	fetchedMB := float64(fetched) / 1024 / 1024
	lengthMB := float64(length) / 1024 / 1024
	percent := float64(fetched) / float64(length) * 100
	return fmt.Sprintf("%s - %.1fMB/%.1fMB (%.2f%%)", message, fetchedMB, lengthMB, percent)
}

// ToRecord copies the episode's identity attributes into a storage record
func (e *Episode) ToRecord() *EpisodeRecord {
	return &EpisodeRecord{
		ShowName:   e.ShowName,
		Episode:    e.Episode,
		Version:    e.Version,
		Resolution: e.Resolution,
		CRC:        e.CRC,
		GroupID:    e.GroupID,
		GroupName:  e.GroupName,
		Media:      e.Media,
		Subbing:    e.Subbing,
		FetchType:  e.FetchType,
		FetchLink:  e.FetchLink,
		SaveName:   e.SaveName,
	}
}

// EpisodeFromRecord rehydrates an episode from its persisted record
func EpisodeFromRecord(rec *EpisodeRecord) *Episode {
	return &Episode{
		ShowName:   rec.ShowName,
		Episode:    rec.Episode,
		Version:    rec.Version,
		Resolution: rec.Resolution,
		CRC:        rec.CRC,
		GroupID:    rec.GroupID,
		GroupName:  rec.GroupName,
		Media:      rec.Media,
		Subbing:    rec.Subbing,
		FetchType:  rec.FetchType,
		FetchLink:  rec.FetchLink,
		SaveName:   rec.SaveName,
		state:      rec.State,
	}
}
