package sources

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/irc"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/models"
	"github.com/fetcharr/fetcharr/internal/parser"
)

// Lines announced more than this far apart are not part of the same
// multiline announcement
const multilineWindow = 10 * time.Second

func init() {
	Register("irc", NewIRCSource)
}

type ircMatcher struct {
	regex      *regexp.Regexp
	matchNames []string
}

type messageCache struct {
	lastUpdated time.Time
	messages    []string
}

// IRCSource watches announce channels and starts fetches for wanted
// releases as they are announced
type IRCSource struct {
	base

	network   string
	nicks     []string
	matchers  []ircMatcher
	multiline int

	parser  *parser.Parser
	starter EpisodeStarter
	logger  *logrus.Logger

	mu       sync.Mutex
	msgCache map[string]*messageCache
	closers  []func()
}

// NewIRCSource creates an IRC source and attaches it to the configured
// announce channels
func NewIRCSource(group *models.Group, fetchType models.FetchType, options models.SourceOptions, deps Deps) (Source, error) {
	if !deps.IRC.HasNetwork(options.Network) {
		return nil, fmt.Errorf("requested IRC network %s for group %s not defined", options.Network, group.Name)
	}

	s := &IRCSource{
		base:      base{group: group, fetchType: fetchType, defaults: options.Meta},
		network:   options.Network,
		multiline: options.Multiline,
		parser:    deps.Parser,
		starter:   deps.Starter,
		logger:    deps.Logger,
		msgCache:  make(map[string]*messageCache),
	}
	if s.multiline < 1 {
		s.multiline = 1
	}
	for _, nick := range options.Nicks {
		s.nicks = append(s.nicks, strings.ToLower(nick))
	}
	for _, def := range options.Matchers {
		if len(def) < 2 {
			return nil, fmt.Errorf("matcher for group %s needs a regex and at least one parameter name", group.Name)
		}
		regex, err := regexp.Compile("(?i)" + def[0])
		if err != nil {
			return nil, fmt.Errorf("invalid matcher regex for group %s: %w", group.Name, err)
		}
		s.matchers = append(s.matchers, ircMatcher{regex: regex, matchNames: def[1:]})
	}

	for _, channel := range options.Channels {
		detach, err := deps.IRC.WatchChannel(options.Network, channel, s.messageCallback)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to watch %s on %s: %w", channel, options.Network, err)
		}
		s.closers = append(s.closers, detach)
	}
	return s, nil
}

// messageCallback collects announce lines from watched nicks, grouping
// consecutive lines from the same channel and nick into one announcement
// when the source announces across multiple lines
func (s *IRCSource) messageCallback(event irc.MessageEvent) {
	if !s.watchesNick(event.Nick) {
		return
	}

	key := event.Target + "|" + event.Nick
	s.mu.Lock()
	cache := s.msgCache[key]
	if cache == nil || time.Since(cache.lastUpdated) >= multilineWindow {
		cache = &messageCache{}
	}
	cache.lastUpdated = time.Now()
	cache.messages = append(cache.messages, event.Message)
	if len(cache.messages) < s.multiline {
		s.msgCache[key] = cache
		s.mu.Unlock()
		return
	}
	delete(s.msgCache, key)
	s.mu.Unlock()

	metrics.ReleasesSeen.WithLabelValues("irc").Inc()
	s.parseMessage(strings.Join(cache.messages, "\n"))
}

func (s *IRCSource) watchesNick(nick string) bool {
	lower := strings.ToLower(nick)
	for _, wanted := range s.nicks {
		if wanted == lower {
			return true
		}
	}
	return false
}

// parseMessage runs the aggregated announcement through the matchers and
// starts a fetch for the first one that yields a wanted episode
func (s *IRCSource) parseMessage(message string) {
	for _, matcher := range s.matchers {
		matches := matcher.regex.FindStringSubmatch(message)
		if matches == nil {
			continue
		}
		params := make(map[string]string, len(matcher.matchNames))
		for i, name := range matcher.matchNames {
			if i+1 < len(matches) {
				params[name] = matches[i+1]
			}
		}
		if params["file"] == "" || params["link"] == "" {
			s.logger.WithField("group", s.group.Name).Error(
				"Could not find file and/or link parameter in message regex; possibly broken IRC matcher")
		}
		if episode := s.parser.ParseWantedEpisode(params["file"], params["link"], s); episode != nil {
			s.starter.StartFetch(episode)
			return
		}
	}
}

// Fetch is a no-op; IRC sources are push based
func (s *IRCSource) Fetch(ctx context.Context) {}

// Close detaches all channel watchers
func (s *IRCSource) Close() {
	for _, detach := range s.closers {
		detach()
	}
	s.closers = nil
}
