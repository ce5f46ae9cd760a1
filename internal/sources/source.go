package sources

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/irc"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/parser"
)

// EpisodeStarter kicks off the fetch pipeline for a wanted episode. The
// call returns immediately; the fetch runs in the background.
type EpisodeStarter interface {
	StartFetch(episode *models.Episode)
}

// ChannelWatcher is the view of the IRC manager the IRC source needs
type ChannelWatcher interface {
	HasNetwork(key string) bool
	WatchChannel(network, channel string, callback func(irc.MessageEvent)) (func(), error)
}

// Deps carries the collaborators shared by all sources
type Deps struct {
	Parser  *parser.Parser
	Starter EpisodeStarter
	IRC     ChannelWatcher
	Logger  *logrus.Logger
}

// Source watches one release channel for a group. Push based sources
// (IRC) deliver episodes as they are announced; poll based sources (RSS)
// deliver them on each Fetch call.
type Source interface {
	// Fetch polls the source once. A no-op for push based sources.
	Fetch(ctx context.Context)
	// Close detaches the source from whatever it is watching
	Close()

	Group() *models.Group
	FetchType() models.FetchType
	Defaults() models.SourceDefaults
}

// Constructor builds a source attached to a group
type Constructor func(group *models.Group, fetchType models.FetchType, options models.SourceOptions, deps Deps) (Source, error)

var registered = map[string]Constructor{}

// Register adds a source constructor for a source type
func Register(sourceType string, ctor Constructor) {
	registered[sourceType] = ctor
}

// New builds a source from a combined "<source>+<fetch>" type spec as it
// appears in the releasers definition, e.g. "rss+torrent" or "irc+http"
func New(typeSpec string, group *models.Group, options models.SourceOptions, deps Deps) (Source, error) {
	parts := strings.Split(typeSpec, "+")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("missing source or fetch type in %q", typeSpec)
	}
	ctor, ok := registered[parts[0]]
	if !ok {
		return nil, fmt.Errorf("source type %s does not exist", parts[0])
	}
	return ctor(group, models.FetchType(parts[1]), options, deps)
}

// base carries the source attributes the parser consumes
type base struct {
	group     *models.Group
	fetchType models.FetchType
	defaults  models.SourceDefaults
}

func (b *base) Group() *models.Group            { return b.group }
func (b *base) FetchType() models.FetchType     { return b.fetchType }
func (b *base) Defaults() models.SourceDefaults { return b.defaults }
