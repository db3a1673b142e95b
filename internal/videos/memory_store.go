package videos

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamvault/backend/internal/models"
)

// MemoryStore keeps video records in-memory. It is safe for concurrent use
// and intended for tests and single-instance development.
type MemoryStore struct {
	mu     sync.RWMutex
	videos map[uuid.UUID]models.Video
	now    func() time.Time
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{videos: make(map[uuid.UUID]models.Video), now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

// Create records a new pending video.
func (s *MemoryStore) Create(_ context.Context, ownerID uuid.UUID, title, sourceKey string) (*models.Video, error) {
	now := s.now()
	v := models.Video{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Title:     title,
		SourceKey: sourceKey,
		Status:    models.VideoStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.videos[v.ID] = v
	s.mu.Unlock()
	return clone(v), nil
}

// FindByID returns a copy of the video with id.
func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*models.Video, error) {
	s.mu.RLock()
	v, ok := s.videos[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// List returns videos past pending, newest first.
func (s *MemoryStore) List(_ context.Context) ([]models.Video, error) {
	s.mu.RLock()
	list := make([]models.Video, 0, len(s.videos))
	for _, v := range s.videos {
		if v.Status != models.VideoStatusPending {
			list = append(list, *clone(v))
		}
	}
	s.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

// UpdateStatus applies a status change under the store lock.
func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.VideoStatus, renditions []models.Rendition, errorMessage string) error {
	if err := models.ValidateRenditions(status, renditions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(v.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, v.Status, status)
	}
	v.Status = status
	v.Renditions = append([]models.Rendition(nil), renditions...)
	v.ErrorMessage = errorMessage
	v.UpdatedAt = s.now()
	s.videos[id] = v
	return nil
}

// Delete removes the video with id.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[id]; !ok {
		return ErrNotFound
	}
	delete(s.videos, id)
	return nil
}

// Put stores v as-is, bypassing lifecycle checks. Used to seed fixtures.
func (s *MemoryStore) Put(v models.Video) {
	s.mu.Lock()
	s.videos[v.ID] = *clone(v)
	s.mu.Unlock()
}

func clone(v models.Video) *models.Video {
	v.Renditions = append([]models.Rendition(nil), v.Renditions...)
	return &v
}
