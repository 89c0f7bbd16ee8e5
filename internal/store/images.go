package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"astro-solver/internal/models"
)

const imageColumns = `id, asset_id, filename, width, height, equipment, solved, ra, dec, fov_width, fov_height, tags, captured_at, solved_at, created_at, updated_at`

// UpsertImages inserts new images and refreshes metadata of known ones, keyed by asset id.
// Solve state and equipment are left untouched on existing rows. It returns how many rows were new.
func (s *Store) UpsertImages(ctx context.Context, images []models.Image) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, img := range images {
		equipment := img.Equipment
		if equipment == nil {
			equipment = []string{}
		}
		batch.Queue(`
			INSERT INTO images (id, asset_id, filename, width, height, equipment, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset_id) DO UPDATE
			SET filename = EXCLUDED.filename, width = EXCLUDED.width, height = EXCLUDED.height,
			    captured_at = EXCLUDED.captured_at, updated_at = NOW()
			RETURNING (xmax = 0)
		`, img.ID, img.AssetID, img.Filename, img.Width, img.Height, equipment, img.CapturedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	added := 0
	for _, img := range images {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			return added, fmt.Errorf("upsert image %s: %w", img.AssetID, err)
		}
		if inserted {
			added++
		}
	}
	return added, nil
}

// ListUnsolvedImages returns images without a successful solve, oldest first.
func (s *Store) ListUnsolvedImages(ctx context.Context) ([]models.Image, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+imageColumns+` FROM images WHERE NOT solved ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query unsolved images: %w", err)
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return images, nil
}

// GetImage fetches an image by id.
func (s *Store) GetImage(ctx context.Context, id string) (models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Image{}, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	return img, err
}

// UpdateImage applies a solve patch.
func (s *Store) UpdateImage(ctx context.Context, id string, patch models.ImagePatch) error {
	tags := patch.Tags
	if tags == nil {
		tags = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE images
		SET solved = $2, ra = $3, dec = $4, fov_width = $5, fov_height = $6, tags = $7, solved_at = $8, updated_at = NOW()
		WHERE id = $1
	`, id, patch.Solved, patch.RA, patch.Dec, patch.FOVWidth, patch.FOVHeight, tags, patch.SolvedAt)
	if err != nil {
		return fmt.Errorf("update image %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanImage(row pgx.Row) (models.Image, error) {
	var img models.Image
	var captured, solvedAt pgtype.Timestamptz
	err := row.Scan(&img.ID, &img.AssetID, &img.Filename, &img.Width, &img.Height, &img.Equipment, &img.Solved,
		&img.RA, &img.Dec, &img.FOVWidth, &img.FOVHeight, &img.Tags, &captured, &solvedAt, &img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, err
		}
		return models.Image{}, fmt.Errorf("scan image: %w", err)
	}
	img.CapturedAt = timePtr(captured)
	img.SolvedAt = timePtr(solvedAt)
	return img, nil
}
