package processing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/streamvault/backend/internal/models"
	"github.com/streamvault/backend/internal/playlist"
)

// ErrEncodeTimeout is returned when an encoder invocation exceeds its deadline.
var ErrEncodeTimeout = errors.New("encode timed out")

const (
	segmentPattern = "segment_%03d.ts"
	stderrTailSize = 4096
	waitDelay      = 5 * time.Second
)

// EncodeRequest describes one rendition encode.
type EncodeRequest struct {
	InputPath      string
	Height         int
	Bitrate        string
	OutputDir      string
	SegmentSeconds int
}

// Encoder turns a source file into an HLS rendition (playlist plus segments) in OutputDir
// and returns the produced file paths.
type Encoder interface {
	Encode(ctx context.Context, req EncodeRequest) ([]string, error)
}

// FFmpegEncoder runs the ffmpeg binary once per rendition.
type FFmpegEncoder struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewFFmpegEncoder creates an encoder. timeout bounds each invocation; zero disables it.
func NewFFmpegEncoder(path string, timeout time.Duration, logger *zap.Logger) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegEncoder{path: path, timeout: timeout, logger: logger}
}

// Encode runs ffmpeg for req. A deadline hit yields ErrEncodeTimeout.
func (e *FFmpegEncoder) Encode(ctx context.Context, req EncodeRequest) ([]string, error) {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	args, err := buildArgs(req)
	if err != nil {
		return nil, err
	}

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	stderr := &tailBuffer{max: stderrTailSize}
	cmd := exec.CommandContext(runCtx, e.path, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	e.logger.Debug("ffmpeg start", zap.Int("height", req.Height), zap.String("bitrate", req.Bitrate), zap.String("output_dir", req.OutputDir))
	if err := cmd.Run(); err != nil {
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%dp after %s: %w", req.Height, e.timeout, ErrEncodeTimeout)
		}
		return nil, fmt.Errorf("ffmpeg %dp: %w: %s", req.Height, err, stderr.Tail(10))
	}
	e.logger.Debug("ffmpeg done", zap.Int("height", req.Height), zap.Duration("took", time.Since(start)))

	return collectOutputs(req.OutputDir)
}

func buildArgs(req EncodeRequest) ([]string, error) {
	if req.InputPath == "" || req.OutputDir == "" {
		return nil, errors.New("input path and output dir required")
	}
	if req.Height <= 0 {
		return nil, fmt.Errorf("invalid height %d", req.Height)
	}
	bps, err := models.ParseBitrate(req.Bitrate)
	if err != nil {
		return nil, err
	}
	seg := req.SegmentSeconds
	if seg <= 0 {
		seg = 6
	}
	kbit := strconv.FormatInt(bps/1000, 10) + "k"
	bufsize := strconv.FormatInt(2*bps/1000, 10) + "k"
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", req.InputPath,
		"-vf", fmt.Sprintf("scale=-2:%d", req.Height),
		"-c:v", "libx264", "-preset", "veryfast", "-profile:v", "main",
		"-b:v", kbit, "-maxrate", kbit, "-bufsize", bufsize,
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", seg),
		"-sc_threshold", "0",
		"-c:a", "aac", "-b:a", "128k", "-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(seg),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(req.OutputDir, segmentPattern),
		filepath.Join(req.OutputDir, playlist.RenditionPlaylist),
	}, nil
}

// collectOutputs lists the files an encode left in dir. The rendition playlist must be among them.
func collectOutputs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var files []string
	hasPlaylist := false
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if ent.Name() == playlist.RenditionPlaylist {
			hasPlaylist = true
		}
		files = append(files, filepath.Join(dir, ent.Name()))
	}
	if !hasPlaylist {
		return nil, fmt.Errorf("encoder produced no %s in %s", playlist.RenditionPlaylist, dir)
	}
	sort.Strings(files)
	return files, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// Tail returns up to n trailing non-empty lines joined by " | ".
func (b *tailBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(b.buf)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
