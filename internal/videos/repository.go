package videos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamvault/backend/internal/models"
)

const videoColumns = `id, owner_id, title, source_key, status, renditions, error_message, created_at, updated_at`

// Repository handles video persistence in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Create inserts a new video in status pending.
func (r *Repository) Create(ctx context.Context, ownerID uuid.UUID, title, sourceKey string) (*models.Video, error) {
	const q = `INSERT INTO videos (owner_id, title, source_key, status)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + videoColumns
	v, err := scanVideo(r.pool.QueryRow(ctx, q, ownerID, title, sourceKey, models.VideoStatusPending))
	if err != nil {
		return nil, fmt.Errorf("insert video: %w", err)
	}
	return v, nil
}

// FindByID returns a video by ID.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	v, err := scanVideo(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// List returns every video past pending, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Video, error) {
	const q = `SELECT ` + videoColumns + ` FROM videos WHERE status <> $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, models.VideoStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

// UpdateStatus sets status, renditions and error message in one statement.
// The WHERE clause enforces the lifecycle so concurrent writers cannot skip a state.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, renditions []models.Rendition, errorMessage string) error {
	if err := models.ValidateRenditions(status, renditions); err != nil {
		return err
	}
	if renditions == nil {
		renditions = []models.Rendition{}
	}
	raw, err := json.Marshal(renditions)
	if err != nil {
		return fmt.Errorf("marshal renditions: %w", err)
	}
	const q = `UPDATE videos SET status = $1, renditions = $2::jsonb, error_message = $3, updated_at = NOW()
		WHERE id = $4 AND status = ANY($5::text[])`
	tag, err := r.pool.Exec(ctx, q, status, string(raw), errorMessage, id, allowedFrom(status))
	if err != nil {
		return fmt.Errorf("update video status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current string
	err = r.pool.QueryRow(ctx, `SELECT status FROM videos WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

// Delete removes a video row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanVideo(row pgx.Row) (*models.Video, error) {
	var v models.Video
	var raw []byte
	if err := row.Scan(&v.ID, &v.OwnerID, &v.Title, &v.SourceKey, &v.Status, &raw, &v.ErrorMessage, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v.Renditions); err != nil {
			return nil, fmt.Errorf("decode renditions: %w", err)
		}
	}
	return &v, nil
}
