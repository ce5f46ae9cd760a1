package sources

import (
	"context"
	"net/url"
	"path"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/parser"
)

func init() {
	Register("rss", NewRSSSource)
}

// RSSSource polls a feed and starts fetches for wanted items
type RSSSource struct {
	base

	url        string
	feedParser *gofeed.Parser
	parser     *parser.Parser
	starter    EpisodeStarter
	logger     *logrus.Logger
}

// NewRSSSource creates an RSS source for a group's feed
func NewRSSSource(group *models.Group, fetchType models.FetchType, options models.SourceOptions, deps Deps) (Source, error) {
	feedParser := gofeed.NewParser()
	feedParser.UserAgent = "fetcharr/1.0 (gofeed)"
	return &RSSSource{
		base:       base{group: group, fetchType: fetchType, defaults: options.Meta},
		url:        options.URL,
		feedParser: feedParser,
		parser:     deps.Parser,
		starter:    deps.Starter,
		logger:     deps.Logger,
	}, nil
}

// Fetch retrieves the feed once and starts fetches for any wanted
// episodes found in it. Feed errors are logged and swallowed so one bad
// poll never takes down the refresh cycle.
func (s *RSSSource) Fetch(ctx context.Context) {
	feed, err := s.feedParser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"url":   s.url,
			"group": s.group.Name,
		}).WithError(err).Error("Error fetching/parsing RSS feed")
		return
	}

	for _, item := range feed.Items {
		title, link, ok := itemRelease(item)
		if !ok {
			continue
		}
		metrics.ReleasesSeen.WithLabelValues("rss").Inc()
		if episode := s.parser.ParseWantedEpisode(title, link, s); episode != nil {
			s.starter.StartFetch(episode)
		}
	}
}

// itemRelease extracts the release filename and fetch link from a feed
// item. Enclosures win over the item link; the filename then comes from
// the enclosure URL path.
func itemRelease(item *gofeed.Item) (title, link string, ok bool) {
	if len(item.Enclosures) == 0 || item.Enclosures[0].URL == "" {
		if item.Title == "" || item.Link == "" {
			return "", "", false
		}
		return item.Title, item.Link, true
	}

	link = item.Enclosures[0].URL
	parsed, err := url.Parse(link)
	if err != nil || parsed.Path == "" {
		return "", "", false
	}
	title = path.Base(parsed.Path)
	if unescaped, err := url.PathUnescape(title); err == nil {
		title = unescaped
	}
	return title, link, true
}

// Close is a no-op; RSS sources hold no live resources
func (s *RSSSource) Close() {}
