package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/models"
)

// SourceInfo is the view of a release source the parser needs to match a
// filename against the catalog
type SourceInfo interface {
	Group() *models.Group
	FetchType() models.FetchType
	Defaults() models.SourceDefaults
}

// Announcer delivers operator-facing warnings
type Announcer interface {
	ControlAnnounce(message string)
}

var (
	whitespaceReplacer = strings.NewReplacer("_", " ", ".", " ")
	crcRegex           = regexp.MustCompile(`(..+)([a-f\d]{8}|[A-F\d]{8})(.*)`)
	illegalNameRegex   = regexp.MustCompile(`[\x00-\x1f\x80-\x9f/?<>\\:*|"]`)
)

// episodeMatcher pairs a pattern with boundary characters the digits may
// not touch. Go's regexp has no lookaround, so the boundary rules are
// checked against the match positions instead.
type episodeMatcher struct {
	re        *regexp.Regexp
	notBefore string // chars disallowed immediately before the episode digits
	notAfter  string // chars disallowed immediately after the episode digits
}

// Ordered from highest to lowest confidence
var episodeMatchers = []episodeMatcher{
	{re: regexp.MustCompile(`(?i)(?:EP|E|S\d+E)(\d{2,4})(v0?\d+)?`), notAfter: "-"},
	{re: regexp.MustCompile(`(?i) Episode (\d{1,4})(v0?\d+)?`), notAfter: "-"},
	{re: regexp.MustCompile(`(?i)[^0-9A-Za-z_](\d{2,4})(v0?\d+)?(?:[^0-9A-Za-z_]|$)`), notBefore: "-([", notAfter: "-)]"},
}

var validResolutions = []string{
	"640x360",
	"720x480",
	"960x720",
	"704x396",
	"848x480",
	"1024x576",
	"480x360",
	"640x480",
	"960x540",
	"1280x720",
	"1920x1080",
	"360p",
	"480p",
	"540p",
	"720p",
	"1080p",
}

var convertedResolutions = map[string]string{
	"480p":      "848x480",
	"540p":      "960x540",
	"1280x720":  "720p",
	"1920x1080": "1080p",
}

// Parser turns announced filenames into wanted episodes. Filenames that
// failed to parse once are cached and never retried, so a malformed
// release only warns a single time.
type Parser struct {
	logger    *logrus.Logger
	announcer Announcer

	mu          sync.Mutex
	unparseable map[string]bool
}

// New creates a parser
func New(announcer Announcer, logger *logrus.Logger) *Parser {
	return &Parser{
		logger:      logger,
		announcer:   announcer,
		unparseable: make(map[string]bool),
	}
}

func (p *Parser) warn(message string) {
	p.logger.Warn(message)
	if p.announcer != nil {
		p.announcer.ControlAnnounce("WARN: " + message)
	}
}

func (p *Parser) isUnparseable(filename string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unparseable[filename]
}

func (p *Parser) markUnparseable(filename string) {
	p.mu.Lock()
	p.unparseable[filename] = true
	p.mu.Unlock()
}

// ClearUnparseableCache forgets previously failed filenames, letting them
// warn again after a catalog reload
func (p *Parser) ClearUnparseableCache() {
	p.mu.Lock()
	p.unparseable = make(map[string]bool)
	p.mu.Unlock()
}

// parseContainer validates the filename's extension against the source
// default and returns the on-disk save name plus the filename with the
// extension removed
func (p *Parser) parseContainer(filename, defaultContainer string) (saveFileName, trimmed string, ok bool) {
	saveFileName = filename
	trimmed = filename
	container := defaultContainer

	idx := strings.LastIndex(filename, ".")
	parsed := strings.ToLower(filename[idx+1:])
	if idx == -1 || strings.Contains(parsed, " ") {
		if defaultContainer == "" {
			p.warn("Release missing container: " + filename)
			return "", "", false
		}
		saveFileName += "." + defaultContainer
	} else {
		if defaultContainer != "" && parsed != defaultContainer {
			p.warn(fmt.Sprintf("Release has invalid extension (want %s): %s", defaultContainer, filename))
			return "", "", false
		}
		trimmed = filename[:idx]
		container = parsed
	}
	if container == "" {
		return "", "", false
	}
	return saveFileName, trimmed, true
}

// parseResolution finds the first known resolution token in the filename,
// normalizes it, and returns the filename with the token removed
func parseResolution(filename, defaultRes string) (resolution, remaining string, ok bool) {
	for _, res := range validResolutions {
		idx := strings.Index(filename, res)
		if idx == -1 {
			continue
		}
		return normalizeResolution(res), filename[:idx] + filename[idx+len(res):], true
	}
	if defaultRes != "" {
		return normalizeResolution(defaultRes), filename, true
	}
	return "", "", false
}

func normalizeResolution(res string) string {
	if converted, ok := convertedResolutions[res]; ok {
		return converted
	}
	return res
}

// matchEpisode runs the matcher ladder against a cleaned filename. Within
// one matcher the rightmost candidate satisfying the boundary rules wins.
func matchEpisode(filename string) (episode, version int, ok bool) {
	for _, matcher := range episodeMatchers {
		matches := matcher.re.FindAllStringSubmatchIndex(filename, -1)
		for i := len(matches) - 1; i >= 0; i-- {
			m := matches[i]
			if m[2] < 0 {
				continue
			}
			if matcher.notBefore != "" && strings.ContainsRune(matcher.notBefore, rune(filename[m[0]])) {
				continue
			}
			if matcher.notAfter != "" && m[3] < len(filename) && strings.ContainsRune(matcher.notAfter, rune(filename[m[3]])) {
				continue
			}
			parsed, err := strconv.Atoi(filename[m[2]:m[3]])
			if err != nil || parsed == 0 {
				continue
			}
			parsedVersion := 1
			if m[4] >= 0 {
				parsedVersion, _ = strconv.Atoi(strings.TrimPrefix(filename[m[4]:m[5]], "v"))
				// Double digit versions are release group noise, not real revisions
				if parsedVersion > 9 {
					parsedVersion = 1
				}
			}
			return parsed, parsedVersion, true
		}
	}
	return 0, 0, false
}

// sanitizeFileName strips characters that are unsafe in on-disk filenames
func sanitizeFileName(name string) string {
	name = illegalNameRegex.ReplaceAllString(name, "")
	return strings.TrimRight(name, ". ")
}

// ParseWantedEpisode parses an announced filename against the source's
// group and returns an episode when the release is wanted, or nil when it
// is not ours, not a wanted resolution, or unparseable
func (p *Parser) ParseWantedEpisode(filename, fetchLink string, source SourceInfo) *models.Episode {
	if filename == "" {
		return nil
	}
	filename = strings.TrimSuffix(filename, ".torrent")
	original := filename
	if p.isUnparseable(original) {
		return nil
	}

	group := source.Group()
	show := group.FindShow(filename)
	if show == nil {
		return nil
	}
	releaser, ok := show.Releasers[group.Key]
	if !ok {
		return nil
	}

	episode := &models.Episode{
		ShowName:  show.Name,
		GroupID:   show.GroupID,
		GroupName: group.Name,
		Media:     releaser.Media,
		Subbing:   releaser.Subbing,
		FetchType: source.FetchType(),
		FetchLink: fetchLink,
	}

	defaults := source.Defaults()
	saveFileName, trimmed, ok := p.parseContainer(filename, strings.ToLower(defaults.Container))
	if !ok {
		p.markUnparseable(original)
		return nil
	}
	episode.SaveName = sanitizeFileName(saveFileName)
	filename = trimmed

	resolution, remaining, ok := parseResolution(filename, defaults.Resolution)
	if !ok {
		p.warn("Release has invalid or missing resolution: " + original)
		p.markUnparseable(original)
		return nil
	}
	wanted := false
	for _, want := range show.WantedResolutions {
		if want == resolution {
			wanted = true
			break
		}
	}
	if !wanted {
		return nil
	}
	episode.Resolution = resolution
	filename = whitespaceReplacer.Replace(remaining)

	if m := crcRegex.FindStringSubmatch(filename); m != nil {
		episode.CRC = strings.ToUpper(m[2])
		filename = m[1] + m[3]
	}

	episodeNumber, version, ok := matchEpisode(filename)
	if !ok {
		p.warn("Release has invalid episode or version: " + original)
		p.markUnparseable(original)
		return nil
	}
	episode.Episode = episodeNumber
	episode.Version = version
	return episode
}
