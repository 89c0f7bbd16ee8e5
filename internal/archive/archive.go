// Package archive writes plate-solving results as JSON documents next to the catalog,
// on local disk or in an S3 bucket.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"astro-solver/internal/config"
	"astro-solver/internal/models"
	"astro-solver/internal/solver"
)

const contentType = "application/json"

// Uploader stores one object under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Document is the archived form of a solve.
type Document struct {
	ImageID       string              `json:"image_id"`
	AssetID       string              `json:"asset_id"`
	Filename      string              `json:"filename"`
	ExternalJobID string              `json:"external_job_id,omitempty"`
	Equipment     []string            `json:"equipment,omitempty"`
	Calibration   *models.Calibration `json:"calibration"`
	Annotations   []models.Annotation `json:"annotations,omitempty"`
	MachineTags   []string            `json:"machine_tags,omitempty"`
	WrittenAt     time.Time           `json:"written_at"`
}

// Writer archives solve results through an Uploader.
type Writer struct {
	uploader Uploader
	now      func() time.Time
}

// NewWriter builds a writer on top of u.
func NewWriter(u Uploader) *Writer {
	return &Writer{uploader: u, now: time.Now}
}

// New picks the S3 uploader when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Writer, error) {
	if cfg.ArchiveS3Bucket != "" {
		u, err := NewS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewWriter(u), nil
	}
	return NewWriter(NewLocalUploader(cfg.ArchiveDir)), nil
}

// Write stores <image-id>.solve.json.
func (w *Writer) Write(ctx context.Context, in solver.SidecarInput) error {
	doc := Document{
		ImageID:       in.Image.ID,
		AssetID:       in.Image.AssetID,
		Filename:      in.Image.Filename,
		ExternalJobID: in.ExternalJobID,
		Equipment:     in.Equipment,
		Calibration:   in.Result.Calibration,
		Annotations:   in.Result.Annotations,
		MachineTags:   in.Result.MachineTags,
		WrittenAt:     w.now().UTC(),
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal solve document: %w", err)
	}
	if _, err := w.uploader.Upload(ctx, Key(in.Image.ID), body, contentType); err != nil {
		return fmt.Errorf("archive %s: %w", in.Image.ID, err)
	}
	return nil
}

// Key returns the object key for an image's solve document.
func Key(imageID string) string {
	return sanitizeKey(imageID + ".solve.json")
}

func sanitizeKey(key string) string {
	key = filepath.Base(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, ".")
}
