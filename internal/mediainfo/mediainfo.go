package mediainfo

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

var divxCodecs = map[string]bool{"div3": true, "divx": true, "dx50": true}

var audioChannelsMap = map[string]string{
	"8":   "7.1",
	"7.1": "7.1",
	"7":   "6.1",
	"6.1": "6.1",
	"6":   "5.1",
	"5.1": "5.1",
	"5.0": "5.0",
	"5":   "5.0",
	"3":   "2.1",
	"2.1": "2.1",
	"2.0": "2.0",
	"2":   "2.0",
	"1.0": "1.0",
	"1":   "1.0",
}

// Info is the media metadata the tracker upload form needs
type Info struct {
	Audio         string
	AudioChannels string
	DualAudio     bool
	Codec         string
	Extension     string
	Text          string
}

// report is the shape of mediainfo --output=JSON
type report struct {
	Media struct {
		Ref   string  `json:"@ref"`
		Track []track `json:"track"`
	} `json:"media"`
}

type track struct {
	Type          string `json:"@type"`
	Format        string `json:"Format"`
	FileExtension string `json:"FileExtension"`
	BitDepth      string `json:"BitDepth"`
	Channels      string `json:"Channels"`
}

// Client shells out to the mediainfo binary
type Client struct {
	logger *logrus.Logger

	// run is replaceable for tests
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewClient creates a mediainfo client
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		logger: logger,
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "mediainfo", args...).Output()
		},
	}
}

// Get inspects the file at the given path, returning both normalized
// attributes and the human readable report text
func (c *Client) Get(ctx context.Context, storagePath string) (*Info, error) {
	text, err := c.run(ctx, storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to run mediainfo: %w", err)
	}
	raw, err := c.run(ctx, "--output=JSON", storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to run mediainfo: %w", err)
	}

	var rep report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("failed to parse mediainfo output: %w", err)
	}
	info := c.parse(&rep)
	// The report should not leak the local directory layout
	info.Text = strings.ReplaceAll(string(text), storagePath, filepath.Base(storagePath))
	return info, nil
}

// parse normalizes the raw report into the names the tracker expects.
// Only the first video and audio tracks count; any further audio track
// marks the file dual audio.
func (c *Client) parse(rep *report) *Info {
	info := &Info{}
	for _, track := range rep.Media.Track {
		switch track.Type {
		case "General":
			info.Extension = track.FileExtension
		case "Video":
			if info.Codec != "" {
				continue
			}
			info.Codec = normalizeCodec(track.Format, track.BitDepth)
		case "Audio":
			if info.Audio != "" && info.AudioChannels != "" {
				info.DualAudio = true
				continue
			}
			info.Audio = normalizeAudio(track.Format)
			info.AudioChannels = audioChannelsMap[track.Channels]
		}
	}
	if info.Audio == "" || info.AudioChannels == "" {
		c.logger.WithField("file", rep.Media.Ref).Warn("MediaInfo couldn't parse audio information")
	}
	if info.Codec == "" {
		c.logger.WithField("file", rep.Media.Ref).Warn("MediaInfo couldn't parse codec information")
	}
	return info
}

func normalizeCodec(format, bitDepth string) string {
	codec := format
	lower := strings.ToLower(format)
	switch {
	case lower == "mpeg video":
		codec = "MPEG-2"
	case lower == "xvid":
		codec = "XviD"
	case lower == "x264":
		codec = "h264"
	case divxCodecs[lower]:
		codec = "DivX"
	case strings.Contains(lower, "avc"):
		codec = "h264"
	case strings.Contains(lower, "hevc"):
		codec = "h265"
	}
	if bitDepth == "10" && (codec == "h264" || codec == "h265") {
		codec += " 10-bit"
	}
	return codec
}

func normalizeAudio(format string) string {
	lower := strings.ToLower(format)
	if lower == "mpeg audio" {
		return "MP3"
	}
	if strings.Contains(lower, "ac-3") {
		return "AC3"
	}
	return format
}
