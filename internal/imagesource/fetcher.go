// Package imagesource downloads originals from the photo server and prepares them for upload.
package imagesource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"astro-solver/internal/models"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 100 * 1024 * 1024
)

// ErrTooLarge is returned when an original exceeds the byte limit.
var ErrTooLarge = errors.New("image too large")

// Options configures a Fetcher. Zero values select defaults; MaxDimension 0 disables downscaling.
type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxDimension int
}

// Fetcher loads image originals from the photo server.
type Fetcher struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxBytes   int64
	maxDim     int
	logger     *slog.Logger
}

// NewFetcher builds a fetcher for the photo server at baseURL.
func NewFetcher(baseURL, apiKey string, opts Options, logger *slog.Logger) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		maxBytes:   opts.MaxBytes,
		maxDim:     opts.MaxDimension,
		logger:     logger,
	}
}

// Fetch downloads the original of img. Images larger than the maximum dimension are
// downscaled and re-encoded as JPEG; anything that does not decode is returned as-is.
func (f *Fetcher) Fetch(ctx context.Context, img models.Image) ([]byte, string, error) {
	if img.AssetID == "" {
		return nil, "", fmt.Errorf("image %s has no asset id", img.ID)
	}
	data, err := f.download(ctx, img.AssetID)
	if err != nil {
		return nil, "", err
	}
	filename := img.Filename
	if filename == "" {
		filename = img.ID
	}
	if f.maxDim <= 0 {
		return data, filename, nil
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		f.logger.DebugContext(ctx, "image not decodable, uploading original", "image_id", img.ID, "error", err)
		return data, filename, nil
	}
	b := src.Bounds()
	if b.Dx() <= f.maxDim && b.Dy() <= f.maxDim {
		return data, filename, nil
	}

	resized := imaging.Fit(src, f.maxDim, f.maxDim, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, resized, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	f.logger.DebugContext(ctx, "image downscaled", "image_id", img.ID,
		"from", fmt.Sprintf("%dx%d", b.Dx(), b.Dy()),
		"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()))
	return buf.Bytes(), jpegName(filename), nil
}

func (f *Fetcher) download(ctx context.Context, assetID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/api/assets/%s/original", f.baseURL, url.PathEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("x-api-key", f.apiKey)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download asset %s: %w", assetID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download asset %s: status %d", assetID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", assetID, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("asset %s: %w (>%d bytes)", assetID, ErrTooLarge, f.maxBytes)
	}
	return body, nil
}

func jpegName(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".jpg"
}
