// Package photosync mirrors a photo-server album into the image catalog.
package photosync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Asset is a photo-server asset as listed in an album.
type Asset struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	OriginalFileName string   `json:"originalFileName"`
	ExifInfo         ExifInfo `json:"exifInfo"`
}

// ExifInfo carries the EXIF fields the catalog keeps.
type ExifInfo struct {
	ImageWidth       int        `json:"exifImageWidth"`
	ImageHeight      int        `json:"exifImageHeight"`
	DateTimeOriginal *time.Time `json:"dateTimeOriginal"`
	Make             string     `json:"make"`
	Model            string     `json:"model"`
	LensModel        string     `json:"lensModel"`
}

// Album is the subset of the album document the sync needs.
type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"albumName"`
	Assets []Asset `json:"assets"`
}

// Client talks to the photo server API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxTries   uint
	backoff    func() backoff.BackOff
}

// NewClient builds a photo-server client. Album listing is retried on network errors and 5xx responses.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		maxTries:   3,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return b
		},
	}
}

// Album fetches an album with its assets.
func (c *Client) Album(ctx context.Context, albumID string) (Album, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return Album{}, fmt.Errorf("photo server not configured")
	}
	endpoint := fmt.Sprintf("%s/api/albums/%s", c.baseURL, url.PathEscape(albumID))
	return backoff.Retry(ctx, func() (Album, error) {
		return c.getAlbum(ctx, endpoint)
	}, backoff.WithBackOff(c.backoff()), backoff.WithMaxTries(c.maxTries))
}

func (c *Client) getAlbum(ctx context.Context, endpoint string) (Album, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Album{}, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Album{}, fmt.Errorf("list album: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Album{}, fmt.Errorf("list album: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return Album{}, backoff.Permanent(fmt.Errorf("list album: status %d: %s", resp.StatusCode, snippet))
	}

	var album Album
	if err := json.NewDecoder(resp.Body).Decode(&album); err != nil {
		return Album{}, backoff.Permanent(fmt.Errorf("decode album: %w", err))
	}
	return album, nil
}
