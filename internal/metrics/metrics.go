package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EpisodesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "episodes_started_total",
			Help:      "Count of episode fetches started, by transfer kind.",
		},
		[]string{"kind"},
	)

	EpisodesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "episodes_finished_total",
			Help:      "Count of episode fetches finished, by outcome.",
		},
		[]string{"outcome"},
	)

	ReleasesSeen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "releases_seen_total",
			Help:      "Count of release announcements seen, by source type.",
		},
		[]string{"source"},
	)

	UploadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fetcharr",
			Name:      "upload_errors_total",
			Help:      "Errors returned by the tracker upload endpoint.",
		},
	)

	ActiveTorrentTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fetcharr",
			Name:      "active_torrent_transfers",
			Help:      "Number of torrent transfers currently admitted to the client.",
		},
	)

	ActiveEpisodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fetcharr",
			Name:      "active_episodes",
			Help:      "Number of episodes currently being processed.",
		},
	)
)

// Register registers the fetcharr metrics into the default registry.
func Register() {
	prometheus.MustRegister(EpisodesStarted, EpisodesFinished, ReleasesSeen, UploadErrors, ActiveTorrentTransfers, ActiveEpisodes)
}
