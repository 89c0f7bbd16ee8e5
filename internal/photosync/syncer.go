package photosync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"astro-solver/internal/events"
	"astro-solver/internal/models"
)

// imageNamespace derives stable image ids from asset ids.
var imageNamespace = uuid.MustParse("6f0c3f44-5a8e-4d55-9b5e-6a4fd8c1e2a7")

// ImageUpserter stores synced images and reports how many were new.
type ImageUpserter interface {
	UpsertImages(ctx context.Context, images []models.Image) (int, error)
}

// AlbumLister lists the assets of an album.
type AlbumLister interface {
	Album(ctx context.Context, albumID string) (Album, error)
}

// Syncer copies the configured album into the image catalog.
type Syncer struct {
	client  AlbumLister
	images  ImageUpserter
	emitter events.Emitter
	albumID string
	logger  *slog.Logger
}

func NewSyncer(client AlbumLister, images ImageUpserter, emitter events.Emitter, albumID string, logger *slog.Logger) *Syncer {
	if emitter == nil {
		emitter = events.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{client: client, images: images, emitter: emitter, albumID: albumID, logger: logger}
}

// ImageID returns the catalog id for a photo-server asset.
func ImageID(assetID string) string {
	return uuid.NewSHA1(imageNamespace, []byte(assetID)).String()
}

// Run performs one sync and emits sync-complete with the outcome.
func (s *Syncer) Run(ctx context.Context) error {
	total, added, err := s.sync(ctx)
	if err != nil {
		s.emitter.Emit(ctx, events.SyncCompleteEvent, events.SyncComplete{Success: false, Message: err.Error()})
		return err
	}
	s.logger.InfoContext(ctx, "photo sync complete", "album_id", s.albumID, "total", total, "added", added)
	s.emitter.Emit(ctx, events.SyncCompleteEvent, events.SyncComplete{
		Success: true,
		Message: fmt.Sprintf("synced %d images, %d new", total, added),
		Counts:  map[string]int{"total": total, "added": added},
	})
	return nil
}

func (s *Syncer) sync(ctx context.Context) (int, int, error) {
	if s.albumID == "" {
		return 0, 0, fmt.Errorf("no photo album configured")
	}
	album, err := s.client.Album(ctx, s.albumID)
	if err != nil {
		return 0, 0, err
	}
	images := make([]models.Image, 0, len(album.Assets))
	for _, a := range album.Assets {
		if a.Type != "" && a.Type != "IMAGE" {
			continue
		}
		images = append(images, toImage(a))
	}
	added, err := s.images.UpsertImages(ctx, images)
	if err != nil {
		return len(images), added, fmt.Errorf("store synced images: %w", err)
	}
	return len(images), added, nil
}

func toImage(a Asset) models.Image {
	var equipment []string
	camera := strings.TrimSpace(strings.TrimSpace(a.ExifInfo.Make) + " " + strings.TrimSpace(a.ExifInfo.Model))
	for _, e := range []string{camera, strings.TrimSpace(a.ExifInfo.LensModel)} {
		if e != "" {
			equipment = append(equipment, e)
		}
	}
	return models.Image{
		ID:         ImageID(a.ID),
		AssetID:    a.ID,
		Filename:   a.OriginalFileName,
		Width:      a.ExifInfo.ImageWidth,
		Height:     a.ExifInfo.ImageHeight,
		Equipment:  equipment,
		CapturedAt: a.ExifInfo.DateTimeOriginal,
	}
}
