// Package innertube implements the source provider: it fetches a
// video's metadata and encoding catalog from the InnerTube /player
// endpoint.
package innertube

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/internal/mimeext"
	"github.com/offtube/offtube/types"
)

var playerURL = "https://www.youtube.com/youtubei/v1/player"

const (
	ytBase               = "https://www.youtube.com"
	userAgentValue       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"
	defaultClientName    = "ANDROID"
	defaultClientVersion = "20.10.38"
	minThumbnailHeight   = 110
)

var (
	apiKeyRe    = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)
	clientVerRe = regexp.MustCompile(`"INNERTUBE_CLIENT_VERSION":"([^"]+)"`)
	jsURLRe     = regexp.MustCompile(`"jsUrl":"([^"]+)"`)
)

// Client talks to the InnerTube API. One instance is shared across all
// requests; the scraped state below is guarded by mu.
type Client struct {
	HTTPClient Doer

	mu         sync.Mutex
	apiKey     string
	clientName string
	clientVer  string
	playerJS   string
}

// Doer executes one HTTP request. Both a bare http.Client and the
// retrying client wrapper satisfy it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New creates a provider client. A nil httpClient selects a default.
func New(httpClient Doer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		HTTPClient: httpClient,
		clientName: defaultClientName,
		clientVer:  defaultClientVersion,
	}
}

// WithClient overrides the InnerTube client identity used for requests.
func (c *Client) WithClient(name, version string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if strings.TrimSpace(name) != "" {
		c.clientName = name
	}
	if strings.TrimSpace(version) != "" {
		c.clientVer = version
	}
	return c
}

// playerResponse mirrors the fields of the /player payload we consume.
type playerResponse struct {
	StreamingData struct {
		Formats         []rawFormat `json:"formats"`
		AdaptiveFormats []rawFormat `json:"adaptiveFormats"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		Title         string `json:"title"`
		Author        string `json:"author"`
		ChannelID     string `json:"channelId"`
		LengthSeconds string `json:"lengthSeconds"`
		ViewCount     string `json:"viewCount"`
		Thumbnail     struct {
			Thumbnails []thumbnail `json:"thumbnails"`
		} `json:"thumbnail"`
	} `json:"videoDetails"`
	Microformat struct {
		PlayerMicroformatRenderer struct {
			PublishDate string `json:"publishDate"`
		} `json:"playerMicroformatRenderer"`
	} `json:"microformat"`
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
}

type thumbnail struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type rawFormat struct {
	Itag            int    `json:"itag"`
	URL             string `json:"url"`
	SignatureCipher string `json:"signatureCipher"`
	MimeType        string `json:"mimeType"`
	Bitrate         int    `json:"bitrate"`
	ContentLength   string `json:"contentLength"`
	QualityLabel    string `json:"qualityLabel"`
	AudioQuality    string `json:"audioQuality"`
}

// scrapeKeys loads the watch page once to extract the API key, web
// client version, and player script URL. The lock is held across the
// page fetches so concurrent first requests scrape exactly once.
func (c *Client) scrapeKeys(ctx context.Context, videoID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" && c.playerJS != "" {
		return nil
	}

	sources := []string{ytBase + "/watch?v=" + videoID, ytBase}
	for _, source := range sources {
		if c.apiKey != "" && c.playerJS != "" {
			break
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", userAgentValue)
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
		req.Header.Set("Accept-Encoding", "identity")

		resp, err := c.HTTPClient.Do(req)
		if err != nil || resp == nil {
			continue
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			continue
		}

		if c.apiKey == "" {
			if m := apiKeyRe.FindSubmatch(body); len(m) == 2 {
				c.apiKey = string(m[1])
			}
		}
		if c.playerJS == "" {
			if m := jsURLRe.FindSubmatch(body); len(m) == 2 {
				c.playerJS = ytBase + strings.ReplaceAll(string(m[1]), `\/`, `/`)
			}
		}
		if c.clientVer == defaultClientVersion {
			if m := clientVerRe.FindSubmatch(body); len(m) == 2 && strings.EqualFold(c.clientName, "WEB") {
				c.clientVer = string(m[1])
			}
		}
	}

	if c.apiKey == "" {
		return errors.New("innertube: api key not found")
	}
	return nil
}

func (c *Client) snapshot() (apiKey, clientName, clientVer, playerJS string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.apiKey, c.clientName, c.clientVer, c.playerJS
}

// GetVideoInfo fetches metadata and the full encoding catalog for the
// given video id.
func (c *Client) GetVideoInfo(ctx context.Context, videoID string) (*types.VideoInfo, error) {
	if err := c.scrapeKeys(ctx, videoID); err != nil {
		return nil, err
	}

	apiKey, clientName, clientVer, playerJS := c.snapshot()

	pr, err := c.fetchPlayerResponse(ctx, videoID, apiKey, clientName, clientVer)
	if err != nil {
		return nil, err
	}
	if err := mapPlayability(pr); err != nil {
		return nil, err
	}

	lengthSeconds, _ := strconv.Atoi(pr.VideoDetails.LengthSeconds)
	viewCount, _ := strconv.ParseInt(pr.VideoDetails.ViewCount, 10, 64)

	info := &types.VideoInfo{
		ID:            videoID,
		Title:         pr.VideoDetails.Title,
		LengthSeconds: lengthSeconds,
		PublishDate:   pr.Microformat.PlayerMicroformatRenderer.PublishDate,
		VideoURL:      ytBase + "/watch?v=" + videoID,
		ViewCount:     viewCount,
		Thumbnail:     pickThumbnail(pr.VideoDetails.Thumbnail.Thumbnails),
		Author: types.Author{
			Name: pr.VideoDetails.Author,
			User: pr.VideoDetails.ChannelID,
		},
		Encodings: parseCatalog(pr),
		PlayerJS:  playerJS,
	}
	return info, nil
}

func (c *Client) fetchPlayerResponse(ctx context.Context, videoID, apiKey, clientName, clientVer string) (*playerResponse, error) {
	clientMap := map[string]any{
		"clientName":    clientName,
		"clientVersion": clientVer,
	}
	reqUserAgent := userAgentValue
	if strings.EqualFold(clientName, "ANDROID") {
		clientMap["androidSdkVersion"] = 30
		clientMap["osName"] = "Android"
		clientMap["osVersion"] = "11"
		ua := "com.google.android.youtube/" + clientVer + " (Linux; U; Android 11) gzip"
		clientMap["userAgent"] = ua
		reqUserAgent = ua
	}

	requestBody, err := json.Marshal(map[string]any{
		"context": map[string]any{"client": clientMap},
		"videoId": videoID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, playerURL+"?key="+apiKey, bytes.NewReader(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", reqUserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("Origin", ytBase)
	req.Header.Set("Referer", ytBase+"/")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("innertube player request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &errs.StatusError{Code: resp.StatusCode, URL: playerURL}
	}

	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read player response: %w", err)
	}

	var pr playerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("parse player response: %w", err)
	}
	return &pr, nil
}

// mapPlayability converts a non-OK playability status to the error
// taxonomy the rest of the system understands.
func mapPlayability(pr *playerResponse) error {
	status := strings.ToUpper(pr.PlayabilityStatus.Status)
	reason := strings.ToLower(pr.PlayabilityStatus.Reason)
	switch status {
	case "", "OK":
		return nil
	case "ERROR":
		if strings.Contains(reason, "geograph") || strings.Contains(reason, "available in your country") {
			return errs.ErrGeoBlocked
		}
		if strings.Contains(reason, "rate limit") || strings.Contains(reason, "quota") {
			return errs.ErrRateLimited
		}
		return errs.ErrVideoUnavailable
	case "LOGIN_REQUIRED":
		return errs.ErrAgeRestricted
	case "UNPLAYABLE":
		if strings.Contains(reason, "private") {
			return errs.ErrPrivate
		}
		return errs.ErrVideoUnavailable
	default:
		return errs.ErrVideoUnavailable
	}
}

// parseCatalog flattens progressive and adaptive formats into the
// encoding catalog. Malformed entries are skipped, never fatal.
func parseCatalog(pr *playerResponse) []types.Encoding {
	var catalog []types.Encoding
	add := func(raw rawFormat, progressive bool) {
		if raw.Itag == 0 || raw.MimeType == "" {
			return
		}
		size, _ := strconv.ParseInt(raw.ContentLength, 10, 64)
		enc := types.Encoding{
			Itag:            raw.Itag,
			URL:             raw.URL,
			SignatureCipher: raw.SignatureCipher,
			MimeType:        raw.MimeType,
			Container:       mimeext.Container(raw.MimeType),
			Quality:         raw.QualityLabel,
			Bitrate:         raw.Bitrate,
			ContentLength:   size,
		}
		switch {
		case progressive:
			enc.HasAudio, enc.HasVideo = true, true
		case strings.HasPrefix(raw.MimeType, "audio/"):
			enc.HasAudio = true
		case strings.HasPrefix(raw.MimeType, "video/"):
			enc.HasVideo = true
			// A handful of video itags still carry an audio track.
			enc.HasAudio = raw.AudioQuality != ""
		default:
			return
		}
		catalog = append(catalog, enc)
	}

	for _, f := range pr.StreamingData.Formats {
		add(f, true)
	}
	for _, f := range pr.StreamingData.AdaptiveFormats {
		add(f, false)
	}
	return catalog
}

// pickThumbnail returns the first thumbnail taller than the minimum, or
// the last (largest) one when none qualifies.
func pickThumbnail(thumbs []thumbnail) string {
	if len(thumbs) == 0 {
		return ""
	}
	for _, t := range thumbs {
		if t.Height > minThumbnailHeight {
			return t.URL
		}
	}
	return thumbs[len(thumbs)-1].URL
}
