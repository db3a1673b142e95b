package videos

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/streamvault/backend/internal/models"
)

var (
	// ErrNotFound is returned when no video has the requested id.
	ErrNotFound = errors.New("video not found")
	// ErrInvalidTransition is returned when a status change breaks the lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when a non-owner tries to modify a video.
	ErrForbidden = errors.New("not authorized")
)

// Store persists video records. UpdateStatus must be a single atomic write.
type Store interface {
	Create(ctx context.Context, ownerID uuid.UUID, title, sourceKey string) (*models.Video, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	List(ctx context.Context) ([]models.Video, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, renditions []models.Rendition, errorMessage string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// allowedFrom returns every status that may transition to to.
func allowedFrom(to models.VideoStatus) []string {
	var out []string
	for _, s := range []models.VideoStatus{
		models.VideoStatusPending,
		models.VideoStatusProcessing,
		models.VideoStatusReady,
		models.VideoStatusFailed,
	} {
		if models.CanTransition(s, to) {
			out = append(out, string(s))
		}
	}
	return out
}
