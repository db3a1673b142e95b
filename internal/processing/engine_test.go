package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/playlist"
	"github.com/streamvault/backend/internal/videos"
	"github.com/streamvault/backend/pkg/events"
	"github.com/streamvault/backend/pkg/storage"
)

// fakeEncoder writes a playlist and two segments per call.
type fakeEncoder struct {
	mu      sync.Mutex
	calls   []int
	failOn  int
	failErr error
}

func (f *fakeEncoder) Encode(_ context.Context, req EncodeRequest) ([]string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Height)
	f.mu.Unlock()
	if req.Height == f.failOn {
		return nil, f.failErr
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, err
	}
	files := []string{
		filepath.Join(req.OutputDir, playlist.RenditionPlaylist),
		filepath.Join(req.OutputDir, "segment_000.ts"),
		filepath.Join(req.OutputDir, "segment_001.ts"),
	}
	body := fmt.Sprintf("#EXTM3U\n#EXT-X-TARGETDURATION:%d\n#EXTINF:%d,\nsegment_000.ts\n#EXTINF:%d,\nsegment_001.ts\n#EXT-X-ENDLIST\n",
		req.SegmentSeconds, req.SegmentSeconds, req.SegmentSeconds)
	if err := os.WriteFile(files[0], []byte(body), 0o644); err != nil {
		return nil, err
	}
	for _, f := range files[1:] {
		if err := os.WriteFile(f, []byte(fmt.Sprintf("ts-%dp", req.Height)), 0o644); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (f *fakeEncoder) heights() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type publishedEvent struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, payload: payload})
	return nil
}

// statusRecorder records every successful status write.
type statusRecorder struct {
	*videos.MemoryStore
	mu       sync.Mutex
	statuses []models.VideoStatus
}

func (s *statusRecorder) UpdateStatus(ctx context.Context, id uuid.UUID, status models.VideoStatus, renditions []models.Rendition, msg string) error {
	if err := s.MemoryStore.UpdateStatus(ctx, id, status, renditions, msg); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses = append(s.statuses, status)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	engine    *Engine
	store     *statusRecorder
	objects   *storage.Memory
	encoder   *fakeEncoder
	publisher *fakePublisher
	workDir   string
	job       models.ProcessingJob
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tiers, err := ParseTiers(DefaultTiers)
	require.NoError(t, err)

	store := &statusRecorder{MemoryStore: videos.NewMemoryStore()}
	objects := storage.NewMemory()
	owner := uuid.New()
	sourceKey := storage.OriginalKey(owner.String(), "clip.mp4")
	require.NoError(t, objects.Put(context.Background(), sourceKey, strings.NewReader("raw video"), 9, "video/mp4"))
	v, err := store.Create(context.Background(), owner, "clip", sourceKey)
	require.NoError(t, err)

	f := &fixture{
		store:     store,
		objects:   objects,
		encoder:   &fakeEncoder{},
		publisher: &fakePublisher{},
		workDir:   t.TempDir(),
		job:       models.ProcessingJob{VideoID: v.ID, OwnerID: owner, SourceKey: sourceKey},
	}
	f.engine = NewEngine(store, objects, f.publisher, f.encoder, Config{Tiers: tiers, SegmentSeconds: 6, WorkDir: f.workDir}, nil)
	return f
}

func (f *fixture) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-job work dir must be removed")
}

func TestProcessAllTiersSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.job))

	assert.Equal(t, []models.VideoStatus{models.VideoStatusProcessing, models.VideoStatusReady}, f.store.statuses)
	assert.Equal(t, []int{240, 480, 720}, f.encoder.heights())

	v, err := f.store.FindByID(ctx, f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, v.Status)
	require.Len(t, v.Renditions, 3)
	for i, want := range []string{"240p", "480p", "720p"} {
		r := v.Renditions[i]
		assert.Equal(t, want, r.Label)
		assert.Equal(t, models.PlaylistRefStorageKey, r.Playlist.Kind)
		_, ok := f.objects.Object(r.Playlist.Value)
		assert.True(t, ok, "playlist blob %s must exist", r.Playlist.Value)
		seg := storage.ProcessedKey(f.job.VideoID.String(), want, "segment_001.ts")
		_, ok = f.objects.Object(seg)
		assert.True(t, ok)
		assert.Equal(t, "video/mp2t", f.objects.ContentType(seg))
	}

	master, ok := f.objects.Object(storage.MasterKey(f.job.VideoID.String()))
	require.True(t, ok)
	variants, err := playlist.ParseMaster(string(master))
	require.NoError(t, err)
	require.Len(t, variants, 3)
	assert.Equal(t, "240p/playlist.m3u8", variants[0].URI)
	assert.Equal(t, "480p/playlist.m3u8", variants[1].URI)
	assert.Equal(t, "720p/playlist.m3u8", variants[2].URI)
	assert.Equal(t, 3, strings.Count(string(master), "#EXT-X-STREAM-INF"))

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.TopicProcessingCompleted, f.publisher.events[0].topic)
	assert.Equal(t, models.ProcessingCompleted{VideoID: f.job.VideoID}, f.publisher.events[0].payload)

	f.assertWorkDirEmpty(t)
}

func TestProcessFailsFastOnTierError(t *testing.T) {
	f := newFixture(t)
	f.encoder.failOn = 480
	f.encoder.failErr = errors.New("encoder crashed")
	ctx := context.Background()

	require.NoError(t, f.engine.Process(ctx, f.job))

	assert.Equal(t, []int{240, 480}, f.encoder.heights(), "720p must not be attempted")
	assert.Equal(t, []models.VideoStatus{models.VideoStatusProcessing, models.VideoStatusFailed}, f.store.statuses)

	v, err := f.store.FindByID(ctx, f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Empty(t, v.Renditions)
	assert.Contains(t, v.ErrorMessage, "encoder crashed")

	_, ok := f.objects.Object(storage.MasterKey(f.job.VideoID.String()))
	assert.False(t, ok)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, models.TopicProcessingFailed, f.publisher.events[0].topic)
	failed := f.publisher.events[0].payload.(models.ProcessingFailed)
	assert.Equal(t, f.job.VideoID, failed.VideoID)
	assert.Contains(t, failed.ErrorMessage, "encoder crashed")

	f.assertWorkDirEmpty(t)
}

func TestProcessEncodeTimeoutIsFailure(t *testing.T) {
	f := newFixture(t)
	f.encoder.failOn = 240
	f.encoder.failErr = fmt.Errorf("240p after 1s: %w", ErrEncodeTimeout)

	require.NoError(t, f.engine.Process(context.Background(), f.job))

	v, err := f.store.FindByID(context.Background(), f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Contains(t, v.ErrorMessage, ErrEncodeTimeout.Error())
	f.assertWorkDirEmpty(t)
}

func TestProcessUploadFailure(t *testing.T) {
	f := newFixture(t)
	f.objects.FailWith(func(op, key string) error {
		if op == "put" && strings.Contains(key, "/480p/") {
			return errors.New("bucket unavailable")
		}
		return nil
	})

	require.NoError(t, f.engine.Process(context.Background(), f.job))

	v, err := f.store.FindByID(context.Background(), f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Empty(t, v.Renditions)
	assert.Contains(t, v.ErrorMessage, "bucket unavailable")
	assert.Equal(t, []int{240, 480}, f.encoder.heights())
	f.assertWorkDirEmpty(t)
}

func TestProcessMissingSourceFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.objects.Delete(context.Background(), f.job.SourceKey))

	require.NoError(t, f.engine.Process(context.Background(), f.job))

	v, err := f.store.FindByID(context.Background(), f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusFailed, v.Status)
	assert.Empty(t, f.encoder.heights())
}

func TestProcessRedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.Process(ctx, f.job))
	require.NoError(t, f.engine.Process(ctx, f.job))

	assert.Len(t, f.encoder.heights(), 3, "encoding must not run again")
	assert.Len(t, f.publisher.events, 1)
	v, err := f.store.FindByID(ctx, f.job.VideoID)
	require.NoError(t, err)
	assert.Len(t, v.Renditions, 3)
}

func TestProcessRedeliveryAfterFailureIsNoop(t *testing.T) {
	f := newFixture(t)
	f.encoder.failOn = 240
	f.encoder.failErr = errors.New("bad input")
	ctx := context.Background()
	require.NoError(t, f.engine.Process(ctx, f.job))
	require.NoError(t, f.engine.Process(ctx, f.job))

	assert.Equal(t, []int{240}, f.encoder.heights())
}

func TestProcessResumesAfterCrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.MemoryStore.UpdateStatus(ctx, f.job.VideoID, models.VideoStatusProcessing, nil, ""))

	require.NoError(t, f.engine.Process(ctx, f.job))

	v, err := f.store.FindByID(ctx, f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, v.Status)
}

func TestProcessMissingRecordIsPermanent(t *testing.T) {
	f := newFixture(t)
	job := f.job
	job.VideoID = uuid.New()

	err := f.engine.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, events.IsPermanent(err))
	assert.ErrorIs(t, err, videos.ErrNotFound)
	assert.Empty(t, f.encoder.heights())
}

func TestProcessInterruptedLeavesProcessing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.encoder.failOn = 240
	f.encoder.failErr = context.Canceled
	f.objects.FailWith(func(op, _ string) error {
		if op == "download" {
			cancel()
		}
		return nil
	})

	err := f.engine.Process(ctx, f.job)
	require.Error(t, err)
	assert.False(t, events.IsPermanent(err))

	v, err := f.store.FindByID(context.Background(), f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusProcessing, v.Status)
	f.assertWorkDirEmpty(t)
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	payload, err := json.Marshal(f.job)
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleMessage(context.Background(), events.Message{ID: "1-0", Topic: models.TopicVideoUploaded, Payload: payload}))
	v, err := f.store.FindByID(context.Background(), f.job.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoStatusReady, v.Status)

	err = f.engine.HandleMessage(context.Background(), events.Message{ID: "2-0", Payload: json.RawMessage(`{"videoId":`)})
	assert.True(t, events.IsPermanent(err))

	err = f.engine.HandleMessage(context.Background(), events.Message{ID: "3-0", Payload: json.RawMessage(`{}`)})
	assert.True(t, events.IsPermanent(err))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp2t", contentTypeFor("segment_000.ts"))
	assert.Equal(t, "application/vnd.apple.mpegurl", contentTypeFor("playlist.m3u8"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("thumb.jpg"))
}
