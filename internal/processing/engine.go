// Package processing turns uploaded source videos into HLS renditions.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/playlist"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/pkg/events"
	"github.com/streamvault/backend/pkg/storage"
)

const (
	contentTypeSegment  = "video/mp2t"
	contentTypePlaylist = "application/vnd.apple.mpegurl"
)

// Job states, logged on every transition.
const (
	stateReceived    = "received"
	stateDownloading = "downloading"
	stateEncoding    = "encoding"
	stateUploading   = "uploading"
	stateFinalizing  = "finalizing"
	stateDone        = "done"
	stateFailed      = "failed"
)

// VideoStore is the part of the record store the engine writes to.
type VideoStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, renditions []models.Rendition, errorMessage string) error
}

// ObjectStore is the part of the object store adapter the engine uses.
type ObjectStore interface {
	DownloadToFile(ctx context.Context, key, localPath string) error
	PutFile(ctx context.Context, key, localPath, contentType string) error
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// Publisher emits job outcome events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Config holds engine settings.
type Config struct {
	Tiers          []Tier
	SegmentSeconds int
	WorkDir        string // parent of per-job temp dirs; empty means os.TempDir()
}

// Engine runs transcoding jobs. One Engine serves any number of concurrent jobs;
// tiers within a job are encoded sequentially.
type Engine struct {
	store     VideoStore
	objects   ObjectStore
	publisher Publisher
	encoder   Encoder
	cfg       Config
	logger    *zap.Logger
}

// NewEngine creates a transcoding engine.
func NewEngine(store VideoStore, objects ObjectStore, publisher Publisher, encoder Encoder, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	return &Engine{store: store, objects: objects, publisher: publisher, encoder: encoder, cfg: cfg, logger: logger}
}

// HandleMessage is the events.Handler for video.uploaded.
func (e *Engine) HandleMessage(ctx context.Context, msg events.Message) error {
	var job models.ProcessingJob
	if err := msg.Decode(&job); err != nil {
		return events.Permanent(err)
	}
	if job.VideoID == uuid.Nil {
		return events.Permanent(errors.New("job without videoId"))
	}
	return e.Process(ctx, job)
}

// Process runs one job to a terminal status. A nil return means the message may be acknowledged:
// the job is done, failed and recorded, or was already finished by an earlier delivery.
func (e *Engine) Process(ctx context.Context, job models.ProcessingJob) error {
	start := time.Now()
	log := e.logger.With(zap.String("video_id", job.VideoID.String()))
	log.Info("transcode job", zap.String("state", stateReceived), zap.String("source_key", job.SourceKey))

	v, err := e.store.FindByID(ctx, job.VideoID)
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			log.Warn("video record missing; dropping job")
			jobsTotal.WithLabelValues("failed").Inc()
			return events.Permanent(fmt.Errorf("video %s: %w", job.VideoID, err))
		}
		jobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("load video: %w", err)
	}
	if v.Status == models.VideoStatusReady || v.Status == models.VideoStatusFailed {
		log.Info("job already finished; skipping", zap.String("status", string(v.Status)))
		jobsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	sourceKey := v.SourceKey
	if sourceKey == "" {
		sourceKey = job.SourceKey
	}

	if err := e.store.UpdateStatus(ctx, job.VideoID, models.VideoStatusProcessing, nil, ""); err != nil {
		if errors.Is(err, videos.ErrInvalidTransition) {
			log.Info("video left processable state concurrently; skipping", zap.Error(err))
			jobsTotal.WithLabelValues("skipped").Inc()
			return nil
		}
		jobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("mark processing: %w", err)
	}

	activeJobs.Inc()
	defer activeJobs.Dec()

	renditions, err := e.transcode(ctx, job.VideoID, sourceKey, log)
	if err != nil {
		return e.fail(ctx, job.VideoID, err, start, log)
	}

	log.Info("transcode job", zap.String("state", stateFinalizing), zap.Int("renditions", len(renditions)))
	if err := e.store.UpdateStatus(ctx, job.VideoID, models.VideoStatusReady, renditions, ""); err != nil {
		jobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("mark ready: %w", err)
	}
	if err := e.publisher.Publish(ctx, models.TopicProcessingCompleted, models.ProcessingCompleted{VideoID: job.VideoID}); err != nil {
		log.Error("publish completion failed", zap.Error(err))
	}

	jobsTotal.WithLabelValues(stateDone).Inc()
	jobDuration.WithLabelValues(stateDone).Observe(time.Since(start).Seconds())
	log.Info("transcode job", zap.String("state", stateDone), zap.Duration("took", time.Since(start)))
	return nil
}

// transcode downloads the source into a per-job work dir and produces every tier in order.
// The work dir is removed on every exit path.
func (e *Engine) transcode(ctx context.Context, videoID uuid.UUID, sourceKey string, log *zap.Logger) ([]models.Rendition, error) {
	if len(e.cfg.Tiers) == 0 {
		return nil, errors.New("no quality tiers configured")
	}
	if e.cfg.WorkDir != "" {
		if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create work dir: %w", err)
		}
	}
	workDir, err := os.MkdirTemp(e.cfg.WorkDir, "job-"+videoID.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("remove work dir failed", zap.String("dir", workDir), zap.Error(err))
		}
	}()

	log.Info("transcode job", zap.String("state", stateDownloading))
	input := filepath.Join(workDir, "source"+path.Ext(sourceKey))
	if err := e.objects.DownloadToFile(ctx, sourceKey, input); err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}

	id := videoID.String()
	renditions := make([]models.Rendition, 0, len(e.cfg.Tiers))
	for _, tier := range e.cfg.Tiers {
		tlog := log.With(zap.String("tier", tier.Label))

		tlog.Info("transcode job", zap.String("state", stateEncoding))
		encStart := time.Now()
		files, err := e.encoder.Encode(ctx, EncodeRequest{
			InputPath:      input,
			Height:         tier.Height,
			Bitrate:        tier.Bitrate,
			OutputDir:      filepath.Join(workDir, tier.Label),
			SegmentSeconds: e.cfg.SegmentSeconds,
		})
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", tier.Label, err)
		}
		encodeDuration.WithLabelValues(tier.Label).Observe(time.Since(encStart).Seconds())

		tlog.Info("transcode job", zap.String("state", stateUploading), zap.Int("files", len(files)))
		hasPlaylist := false
		for _, f := range files {
			name := filepath.Base(f)
			if name == playlist.RenditionPlaylist {
				hasPlaylist = true
			}
			if err := e.objects.PutFile(ctx, storage.ProcessedKey(id, tier.Label, name), f, contentTypeFor(name)); err != nil {
				return nil, fmt.Errorf("upload %s/%s: %w", tier.Label, name, err)
			}
		}
		if !hasPlaylist {
			return nil, fmt.Errorf("encode %s: no %s produced", tier.Label, playlist.RenditionPlaylist)
		}

		renditions = append(renditions, models.Rendition{
			Label:   tier.Label,
			Height:  tier.Height,
			Bitrate: tier.Bitrate,
			Playlist: models.PlaylistRef{
				Kind:  models.PlaylistRefStorageKey,
				Value: storage.ProcessedKey(id, tier.Label, playlist.RenditionPlaylist),
			},
		})
	}

	master, err := playlist.BuildMaster(renditions)
	if err != nil {
		return nil, fmt.Errorf("build master playlist: %w", err)
	}
	if err := e.objects.Put(ctx, storage.MasterKey(id), strings.NewReader(master), int64(len(master)), contentTypePlaylist); err != nil {
		return nil, fmt.Errorf("upload master playlist: %w", err)
	}
	return renditions, nil
}

// fail records the failed status and announces it. If the job was interrupted by
// shutdown the record is left in processing so another consumer can reclaim it.
func (e *Engine) fail(ctx context.Context, videoID uuid.UUID, cause error, start time.Time, log *zap.Logger) error {
	if ctx.Err() != nil {
		log.Warn("transcode job interrupted", zap.Error(cause))
		jobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("interrupted: %w", cause)
	}
	log.Error("transcode job", zap.String("state", stateFailed), zap.Error(cause))

	msg := cause.Error()
	if err := e.store.UpdateStatus(ctx, videoID, models.VideoStatusFailed, nil, msg); err != nil {
		jobsTotal.WithLabelValues("retry").Inc()
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := e.publisher.Publish(ctx, models.TopicProcessingFailed, models.ProcessingFailed{VideoID: videoID, ErrorMessage: msg}); err != nil {
		log.Error("publish failure event failed", zap.Error(err))
	}
	jobsTotal.WithLabelValues(stateFailed).Inc()
	jobDuration.WithLabelValues(stateFailed).Observe(time.Since(start).Seconds())
	return nil
}

func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ts":
		return contentTypeSegment
	case ".m3u8":
		return contentTypePlaylist
	}
	return "application/octet-stream"
}
