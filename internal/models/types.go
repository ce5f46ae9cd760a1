package models

// FetchState represents the current lifecycle state of an episode job
type FetchState string

const (
	// StateFetching means the transfer is running
	StateFetching FetchState = "fetching"
	// StateUploading means the transfer finished and metadata/torrent/upload steps are running
	StateUploading FetchState = "uploading"
	// StateComplete is the terminal success state
	StateComplete FetchState = "complete"
	// StateFailed records an error; a later run may retry the episode
	StateFailed FetchState = "failed"
)

// FetchType selects which transfer backend drives an episode
type FetchType string

const (
	FetchTypeHTTP    FetchType = "http"
	FetchTypeTorrent FetchType = "torrent"
)

// SourceDefaults carries per-source fallback values for the parser
type SourceDefaults struct {
	Resolution string `json:"res,omitempty" mapstructure:"res"`
	Container  string `json:"container,omitempty" mapstructure:"container"`
}

// SourceOptions holds the per-source settings from a releaser definition.
// RSS sources use URL; IRC sources use Network/Channels/Nicks/Matchers.
type SourceOptions struct {
	URL       string         `json:"url,omitempty"`
	Network   string         `json:"network,omitempty"`
	Channels  []string       `json:"channels,omitempty"`
	Nicks     []string       `json:"nicks,omitempty"`
	Multiline int            `json:"multiline,omitempty"`
	Matchers  [][]string     `json:"matchers,omitempty"`
	Meta      SourceDefaults `json:"meta,omitempty"`
}
