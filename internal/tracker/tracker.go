package tracker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/mediainfo"
	"github.com/fetcharr/fetcharr/internal/models"
)

const requestTimeout = 30 * time.Second

var (
	csrfIndexRegex     = regexp.MustCompile(`_CSRF_INDEX"\s+value="(.*)"\s/><`)
	csrfTokenRegex     = regexp.MustCompile(`_CSRF_TOKEN"\s+value="(.*)"\s/>`)
	alreadyExistsRegex = regexp.MustCompile(`(?i)torrent file already exists`)
	uploadErrorRegex   = regexp.MustCompile(`(?i)the following error`)
	errorDetailRegex   = regexp.MustCompile(`(?im)the following error.*\n.*<p .*?>(.*)</p>`)
	lineBreakRegex     = regexp.MustCompile(`<br.*?>`)
)

// Client talks to the tracker site with a session cookie jar. Redirects
// are not followed because the site signals outcomes through status codes.
type Client struct {
	username string
	password string
	showsURI string

	loginURL  string
	uploadURL string

	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a tracker client for the given site and credentials
func NewClient(baseURL, username, password, showsURI string, logger *logrus.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	return &Client{
		username:  username,
		password:  password,
		showsURI:  showsURI,
		loginURL:  baseURL + "/user/login",
		uploadURL: baseURL + "/upload.php",
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("User-Agent", "fetcharr/1.0 (tracker)")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// EnsureLoggedIn establishes a session when the cookie jar does not hold
// a valid one, then verifies the upload page is reachable
func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.loginURL, nil)
	if err != nil {
		return err
	}
	status, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("failed to check login page: %w", err)
	}

	// An authenticated session is redirected away from the login page
	if status != http.StatusSeeOther {
		if status != http.StatusOK {
			return fmt.Errorf("HTTP status %d when checking login page", status)
		}
		c.logger.WithField("user", c.username).Info("Logging into tracker")

		form := url.Values{}
		form.Set("username", c.username)
		form.Set("password", c.password)
		form.Set("keeplogged", "on")
		if m := csrfIndexRegex.FindSubmatch(body); m != nil {
			form.Set("_CSRF_INDEX", string(m[1]))
		}
		if m := csrfTokenRegex.FindSubmatch(body); m != nil {
			form.Set("_CSRF_TOKEN", string(m[1]))
		}

		loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		loginReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		loginStatus, _, err := c.do(loginReq)
		if err != nil {
			return fmt.Errorf("failed to log in: %w", err)
		}
		if loginStatus != http.StatusSeeOther {
			return fmt.Errorf("HTTP status %d when logging in", loginStatus)
		}
	}

	uploadReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uploadURL, nil)
	if err != nil {
		return err
	}
	uploadStatus, _, err := c.do(uploadReq)
	if err != nil {
		return fmt.Errorf("failed to check upload page: %w", err)
	}
	if uploadStatus != http.StatusOK {
		return fmt.Errorf("HTTP status %d when checking for upload ability", uploadStatus)
	}
	return nil
}

// Upload submits a finished episode with its torrent file and mediainfo.
// Conflict responses for an episode the tracker already has count as
// success so retried uploads stay idempotent.
func (c *Client) Upload(ctx context.Context, episode *models.Episode, info *mediainfo.Info, torrentPath string) error {
	if episode.GroupID == "" {
		return errors.New("cannot upload without groupID")
	}
	name := episode.FormattedName()
	c.logger.WithField("episode", name).Info("Uploading torrent to tracker")
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return err
	}

	body, contentType, err := c.uploadForm(episode, info, torrentPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s?type=anime&groupid=%s", c.uploadURL, url.QueryEscape(episode.GroupID)), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	status, respBody, err := c.do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}

	switch {
	case status == http.StatusConflict:
		c.logger.WithField("episode", name).Warn("Upload conflict")
		return nil
	case alreadyExistsRegex.Match(respBody):
		c.logger.WithField("episode", name).Warn("Upload already exists")
		return nil
	case uploadErrorRegex.Match(respBody):
		reason := "unknown reason"
		if m := errorDetailRegex.FindSubmatch(respBody); m != nil {
			reason = string(lineBreakRegex.ReplaceAll(m[1], []byte(" ")))
		}
		return fmt.Errorf("upload failed: %s", reason)
	case status != http.StatusFound:
		return fmt.Errorf("upload failed with HTTP status %d", status)
	}

	c.logger.WithField("episode", name).Info("Uploaded torrent to tracker")
	return nil
}

// uploadForm builds the multipart upload body
func (c *Client) uploadForm(episode *models.Episode, info *mediainfo.Info, torrentPath string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"groupid":            episode.GroupID,
		"submit":             "true",
		"form":               "anime",
		"section":            "anime",
		"add_format":         "1",
		"CatID":              "1",
		"downmultiplier":     "0", // airing episodes are freeleech
		"upmultiplier":       "1",
		"media":              episode.Media,
		"containers":         strings.ToUpper(strings.TrimPrefix(filepath.Ext(episode.SaveName), ".")),
		"codecs":             info.Codec,
		"resolution":         episode.Resolution,
		"audio":              info.Audio,
		"audiochannels":      info.AudioChannels,
		"sequence":           strconv.Itoa(episode.Episode),
		"release_group_name": episode.GroupName,
		"subbing":            episode.Subbing,
		"remaster":           "on",
		"mediainfo_desc":     info.Text,
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", err
		}
	}

	torrentFile, err := os.Open(torrentPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open torrent file: %w", err)
	}
	defer torrentFile.Close()
	part, err := writer.CreateFormFile("file_input", filepath.Base(torrentPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, torrentFile); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

// GetShows fetches the raw shows definition. The bytes are returned
// unmodified so they can be hashed and cached verbatim.
func (c *Client) GetShows(ctx context.Context) ([]byte, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.showsURI, nil)
	if err != nil {
		return nil, err
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("show fetch failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("show fetch failed with HTTP status %d", status)
	}
	return body, nil
}
