package models

import (
	"fmt"
	"regexp"
)

// ReleaserInfo describes how one releaser group publishes a show
type ReleaserInfo struct {
	Regex   *regexp.Regexp
	Media   string
	Subbing string
}

// Show represents one wanted show from the catalog
type Show struct {
	Name              string
	GroupID           string
	WantedResolutions []string
	Releasers         map[string]ReleaserInfo
}

// Group represents a releaser organization whose output is tracked
type Group struct {
	Key   string
	Name  string
	Shows []*Show
}

// NewGroup creates an empty group; shows are attached by LoadShows
func NewGroup(key, name string) *Group {
	return &Group{Key: key, Name: name}
}

// FindShow returns the first show whose releaser regex for this group
// matches the filename, or nil if none match
func (g *Group) FindShow(filename string) *Show {
	for _, show := range g.Shows {
		releaser, ok := show.Releasers[g.Key]
		if !ok {
			continue
		}
		if releaser.Regex.MatchString(filename) {
			return show
		}
	}
	return nil
}

// ShowDefinition is the catalog JSON shape for one show
type ShowDefinition struct {
	Form struct {
		GroupID string `json:"groupid"`
	} `json:"form"`
	Formats   []string                       `json:"formats"`
	Releasers map[string]ReleaserShowOptions `json:"releasers"`
}

// ReleaserShowOptions is the per-releaser matching config for a show
type ReleaserShowOptions struct {
	Regex   string `json:"regex"`
	Media   string `json:"media"`
	Subbing string `json:"subbing"`
}

// LoadShows builds Show models from catalog definitions and attaches each
// to the groups that release it. A show referencing an unknown releaser is
// a catalog integrity error.
func LoadShows(definitions map[string]ShowDefinition, groups map[string]*Group) error {
	for name, def := range definitions {
		show := &Show{
			Name:              name,
			GroupID:           def.Form.GroupID,
			WantedResolutions: def.Formats,
			Releasers:         make(map[string]ReleaserInfo, len(def.Releasers)),
		}
		for groupKey, options := range def.Releasers {
			regex, err := regexp.Compile("(?i)" + options.Regex)
			if err != nil {
				return fmt.Errorf("invalid regex for show %s releaser %s: %w", name, groupKey, err)
			}
			show.Releasers[groupKey] = ReleaserInfo{
				Regex:   regex,
				Media:   options.Media,
				Subbing: options.Subbing,
			}
		}
		for groupKey := range show.Releasers {
			group, ok := groups[groupKey]
			if !ok {
				return fmt.Errorf("releaser %s does not exist for show %s; bad shows definition", groupKey, name)
			}
			group.Shows = append(group.Shows, show)
		}
	}
	return nil
}
