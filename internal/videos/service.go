package videos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/pkg/storage"
)

// MaxUploadSize is the largest accepted source video (100MB).
const MaxUploadSize = 100 * 1024 * 1024

// ErrInvalidUpload is returned for uploads that are not videos or are too large.
var ErrInvalidUpload = errors.New("invalid upload")

// ObjectStore is the subset of the object store adapter ingest needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Publisher emits lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// CacheEvicter drops locally cached streaming artifacts of a video.
type CacheEvicter interface {
	Evict(videoID uuid.UUID) error
}

// UploadInput describes one source upload.
type UploadInput struct {
	OwnerID     uuid.UUID
	Title       string
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// VideoView is a video record plus playback details for API responses.
type VideoView struct {
	models.Video
	URL      string `json:"url,omitempty"`
	Playable bool   `json:"playable"`
}

// Service accepts uploads and manages video records on behalf of their owners.
type Service struct {
	store     Store
	objects   ObjectStore
	publisher Publisher
	evicter   CacheEvicter
	urlTTL    time.Duration
	logger    *zap.Logger
}

// NewService creates the ingest service.
func NewService(store Store, objects ObjectStore, publisher Publisher, urlTTL time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if urlTTL <= 0 {
		urlTTL = time.Hour
	}
	return &Service{store: store, objects: objects, publisher: publisher, urlTTL: urlTTL, logger: logger}
}

// SetCacheEvicter sets the optional local streaming cache cleaned on delete.
func (s *Service) SetCacheEvicter(e CacheEvicter) { s.evicter = e }

// Upload stores the source blob, creates the pending record and announces it for processing.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*VideoView, error) {
	if !strings.HasPrefix(strings.ToLower(in.ContentType), "video/") {
		return nil, fmt.Errorf("%w: only video files allowed", ErrInvalidUpload)
	}
	if in.Size > MaxUploadSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidUpload, MaxUploadSize)
	}
	filename := path.Base(strings.ReplaceAll(in.Filename, "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		return nil, fmt.Errorf("%w: filename required", ErrInvalidUpload)
	}

	key := storage.OriginalKey(in.OwnerID.String(), filename)
	if err := s.objects.Put(ctx, key, in.Body, in.Size, in.ContentType); err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = filename
	}
	v, err := s.store.Create(ctx, in.OwnerID, title, key)
	if err != nil {
		s.discardUpload(ctx, uuid.Nil, key)
		return nil, fmt.Errorf("create video: %w", err)
	}

	job := models.ProcessingJob{VideoID: v.ID, OwnerID: v.OwnerID, SourceKey: key}
	if err := s.publisher.Publish(ctx, models.TopicVideoUploaded, job); err != nil {
		s.logger.Error("publish video.uploaded failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		s.discardUpload(ctx, v.ID, key)
		return nil, fmt.Errorf("publish upload event: %w", err)
	}
	s.logger.Info("video uploaded", zap.String("video_id", v.ID.String()), zap.String("source_key", key))
	return s.view(ctx, v), nil
}

// Get returns a video with a signed URL for its source.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*VideoView, error) {
	v, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, v), nil
}

// List returns all videos that have entered processing.
func (s *Service) List(ctx context.Context) ([]models.Video, error) {
	return s.store.List(ctx)
}

// Delete removes a video owned by requesterID. Rendition blobs and local cache are cleaned best-effort.
func (s *Service) Delete(ctx context.Context, id, requesterID uuid.UUID) error {
	v, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if v.OwnerID != requesterID {
		s.logger.Debug("delete refused", zap.String("video_id", id.String()), zap.String("requested_by", requesterID.String()))
		return ErrForbidden
	}
	if err := s.objects.Delete(ctx, v.SourceKey); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}

	keys, err := s.objects.List(ctx, storage.ProcessedPrefix(id.String()))
	if err != nil {
		s.logger.Warn("list renditions for cleanup failed", zap.Error(err), zap.String("video_id", id.String()))
	}
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("delete rendition blob failed", zap.Error(err), zap.String("key", key))
		}
	}
	if s.evicter != nil {
		if err := s.evicter.Evict(id); err != nil {
			s.logger.Warn("evict local cache failed", zap.Error(err), zap.String("video_id", id.String()))
		}
	}
	s.logger.Info("video deleted", zap.String("video_id", id.String()), zap.Int("rendition_blobs", len(keys)))
	return nil
}

// discardUpload undoes a partially accepted upload so no pending record is left
// without a processing job. videoID is uuid.Nil when no record was created.
func (s *Service) discardUpload(ctx context.Context, videoID uuid.UUID, sourceKey string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if videoID != uuid.Nil {
		if err := s.store.Delete(ctx, videoID); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error("discard video record failed", zap.Error(err), zap.String("video_id", videoID.String()))
		}
	}
	if err := s.objects.Delete(ctx, sourceKey); err != nil {
		s.logger.Error("discard source blob failed", zap.Error(err), zap.String("source_key", sourceKey))
	}
}

func (s *Service) view(ctx context.Context, v *models.Video) *VideoView {
	out := &VideoView{Video: *v, Playable: v.Status == models.VideoStatusReady}
	url, err := s.objects.SignedURL(ctx, v.SourceKey, s.urlTTL)
	if err != nil {
		s.logger.Warn("sign source url failed", zap.Error(err), zap.String("video_id", v.ID.String()))
		return out
	}
	out.URL = url
	return out
}
