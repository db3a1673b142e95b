// Package streaming serves HLS playlists and segments, rehydrating them from
// the object store into a local cache on demand.
package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/playlist"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/pkg/storage"
)

var (
	// ErrNotFound covers a missing video, rendition, playlist or segment, and
	// object store failures while rehydrating.
	ErrNotFound = errors.New("not found")
	// ErrNotReady is returned for videos that have not finished processing.
	ErrNotReady = errors.New("video not ready")
)

// VideoReader loads video records.
type VideoReader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Video, error)
}

// ObjectReader reads blobs from the object store.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Segment is an open media segment ready to be served with range support.
type Segment struct {
	Name    string
	ModTime time.Time
	Content io.ReadSeeker
	closer  io.Closer
}

// Close releases the underlying file, if any.
func (s *Segment) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Gateway resolves playback requests against the record store, the local
// cache and the object store. It holds no locks; every request is independent.
type Gateway struct {
	videos  VideoReader
	objects ObjectReader
	cache   *Cache
	logger  *zap.Logger
}

// NewGateway creates a streaming gateway.
func NewGateway(videos VideoReader, objects ObjectReader, cache *Cache, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{videos: videos, objects: objects, cache: cache, logger: logger}
}

// Evict drops the local cache of a video.
func (g *Gateway) Evict(videoID uuid.UUID) error {
	return g.cache.Evict(videoID)
}

// MasterPlaylist returns the master playlist of a ready video. A cached copy
// that still embeds storage keys is rewritten to relative paths before it is
// served and written back best-effort.
func (g *Gateway) MasterPlaylist(ctx context.Context, videoID uuid.UUID) ([]byte, error) {
	v, err := g.video(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VideoStatusReady {
		return nil, fmt.Errorf("video %s is %s: %w", videoID, v.Status, ErrNotReady)
	}
	id := videoID.String()
	path := g.cache.MasterPath(id)

	if data, ok := g.readCached(path, "master"); ok {
		content, changed := playlist.RewriteStorageKeys(string(data), id, v.Renditions)
		if changed {
			g.logger.Info("rewrote storage keys in cached master playlist", zap.String("video_id", id))
			g.writeCache(path, []byte(content))
		}
		return []byte(content), nil
	}

	content, err := playlist.BuildMaster(v.Renditions)
	if err != nil {
		return nil, fmt.Errorf("build master playlist: %w", err)
	}
	g.writeCache(path, []byte(content))
	return []byte(content), nil
}

// RenditionPlaylist returns the media playlist of one rendition, rehydrating it
// from the object store on a cache miss.
func (g *Gateway) RenditionPlaylist(ctx context.Context, videoID uuid.UUID, quality string) ([]byte, error) {
	v, err := g.video(ctx, videoID)
	if err != nil {
		return nil, err
	}
	r, ok := v.FindRendition(quality)
	if !ok {
		return nil, fmt.Errorf("rendition %q of video %s: %w", quality, videoID, ErrNotFound)
	}
	id := videoID.String()
	path := g.cache.PlaylistPath(id, r.Label)
	if data, ok := g.readCached(path, "playlist"); ok {
		return data, nil
	}

	key := playlistKey(id, r)
	rc, err := g.objects.Get(ctx, key)
	if err != nil {
		return nil, g.rehydrationFailed("playlist", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, g.rehydrationFailed("playlist", key, err)
	}
	g.writeCache(path, data)
	return data, nil
}

// OpenSegment resolves segment seq of a rendition. The caller must Close the result.
func (g *Gateway) OpenSegment(ctx context.Context, videoID uuid.UUID, quality string, seq int) (*Segment, error) {
	v, err := g.video(ctx, videoID)
	if err != nil {
		return nil, err
	}
	r, ok := v.FindRendition(quality)
	if !ok {
		return nil, fmt.Errorf("rendition %q of video %s: %w", quality, videoID, ErrNotFound)
	}
	id := videoID.String()
	name := SegmentName(seq)
	path := g.cache.SegmentPath(id, r.Label, seq)

	if seg, ok := g.openCached(path, name); ok {
		cacheLookups.WithLabelValues("segment", "hit").Inc()
		return seg, nil
	}
	cacheLookups.WithLabelValues("segment", "miss").Inc()

	key := storage.ProcessedKey(id, r.Label, name)
	rc, err := g.objects.Get(ctx, key)
	if err != nil {
		return nil, g.rehydrationFailed("segment", key, err)
	}
	cacheErr := g.cache.WriteFrom(path, rc)
	rc.Close()
	if cacheErr == nil {
		if seg, ok := g.openCached(path, name); ok {
			return seg, nil
		}
	} else {
		cacheWriteErrors.Inc()
		g.logger.Warn("segment cache write failed; serving from object store", zap.String("path", path), zap.Error(cacheErr))
	}

	// The first stream was consumed by the failed cache write; read the object again.
	rc, err = g.objects.Get(ctx, key)
	if err != nil {
		return nil, g.rehydrationFailed("segment", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, g.rehydrationFailed("segment", key, err)
	}
	return &Segment{Name: name, Content: bytes.NewReader(data)}, nil
}

// Qualities lists the "{height}p" names of a video's renditions.
func (g *Gateway) Qualities(ctx context.Context, videoID uuid.UUID) ([]string, error) {
	v, err := g.video(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return v.Qualities(), nil
}

func (g *Gateway) video(ctx context.Context, id uuid.UUID) (*models.Video, error) {
	v, err := g.videos.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, videos.ErrNotFound) {
			return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load video %s: %w", id, err)
	}
	return v, nil
}

func (g *Gateway) readCached(path, kind string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("read cache failed", zap.String("path", path), zap.Error(err))
		}
		cacheLookups.WithLabelValues(kind, "miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues(kind, "hit").Inc()
	return data, true
}

func (g *Gateway) openCached(path, name string) (*Segment, bool) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("open cached segment failed", zap.String("path", path), zap.Error(err))
		}
		return nil, false
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, false
	}
	return &Segment{Name: name, ModTime: info.ModTime(), Content: f, closer: f}, true
}

func (g *Gateway) writeCache(path string, data []byte) {
	if err := g.cache.Write(path, data); err != nil {
		cacheWriteErrors.Inc()
		g.logger.Warn("cache write failed", zap.String("path", path), zap.Error(err))
	}
}

// rehydrationFailed downgrades any object store error to ErrNotFound. The gateway
// cannot tell a missing blob from an unavailable store and must not stall the player retrying.
func (g *Gateway) rehydrationFailed(kind, key string, err error) error {
	rehydrationErrors.WithLabelValues(kind).Inc()
	if !errors.Is(err, storage.ErrNotFound) {
		g.logger.Warn("object store read failed", zap.String("key", key), zap.Error(err))
	}
	return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
}

// playlistKey resolves the object store key of a rendition's media playlist.
func playlistKey(videoID string, r models.Rendition) string {
	if r.Playlist.Kind == models.PlaylistRefStorageKey && r.Playlist.Value != "" {
		return r.Playlist.Value
	}
	return storage.ProcessedKey(videoID, r.Label, playlist.RenditionPlaylist)
}
