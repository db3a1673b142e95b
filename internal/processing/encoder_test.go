package processing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	p := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestBuildArgs(t *testing.T) {
	args, err := buildArgs(EncodeRequest{InputPath: "/in/source.mp4", Height: 720, Bitrate: "2500k", OutputDir: "/out/720p", SegmentSeconds: 6})
	require.NoError(t, err)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-i /in/source.mp4")
	assert.Contains(t, joined, "-vf scale=-2:720")
	assert.Contains(t, joined, "-b:v 2500k")
	assert.Contains(t, joined, "-bufsize 5000k")
	assert.Contains(t, joined, "-hls_time 6")
	assert.Contains(t, joined, "-hls_segment_filename /out/720p/segment_%03d.ts")
	assert.Equal(t, "/out/720p/playlist.m3u8", args[len(args)-1])
}

func TestBuildArgsValidation(t *testing.T) {
	_, err := buildArgs(EncodeRequest{OutputDir: "/out", Height: 240, Bitrate: "400k"})
	assert.Error(t, err)
	_, err = buildArgs(EncodeRequest{InputPath: "in", OutputDir: "/out", Height: 0, Bitrate: "400k"})
	assert.Error(t, err)
	_, err = buildArgs(EncodeRequest{InputPath: "in", OutputDir: "/out", Height: 240, Bitrate: "quick"})
	assert.Error(t, err)
}

func TestFFmpegEncoderCollectsOutputs(t *testing.T) {
	script := writeScript(t, `eval "out=\${$#}"
dir=$(dirname "$out")
printf seg > "$dir/segment_000.ts"
printf seg > "$dir/segment_001.ts"
printf '#EXTM3U\n' > "$out"`)
	enc := NewFFmpegEncoder(script, 10*time.Second, nil)
	outDir := filepath.Join(t.TempDir(), "480p")

	files, err := enc.Encode(context.Background(), EncodeRequest{InputPath: "in.mp4", Height: 480, Bitrate: "1000k", OutputDir: outDir, SegmentSeconds: 6})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(outDir, "playlist.m3u8"),
		filepath.Join(outDir, "segment_000.ts"),
		filepath.Join(outDir, "segment_001.ts"),
	}, files)
}

func TestFFmpegEncoderReportsStderr(t *testing.T) {
	script := writeScript(t, `echo "noise" >&2
echo "Invalid data found when processing input" >&2
exit 1`)
	enc := NewFFmpegEncoder(script, 10*time.Second, nil)

	_, err := enc.Encode(context.Background(), EncodeRequest{InputPath: "in.mp4", Height: 240, Bitrate: "400k", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data found")
	assert.False(t, errors.Is(err, ErrEncodeTimeout))
}

func TestFFmpegEncoderNoPlaylist(t *testing.T) {
	script := writeScript(t, `exit 0`)
	enc := NewFFmpegEncoder(script, 10*time.Second, nil)

	_, err := enc.Encode(context.Background(), EncodeRequest{InputPath: "in.mp4", Height: 240, Bitrate: "400k", OutputDir: t.TempDir()})
	assert.Error(t, err)
}

func TestFFmpegEncoderTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	enc := NewFFmpegEncoder(script, 200*time.Millisecond, nil)

	start := time.Now()
	_, err := enc.Encode(context.Background(), EncodeRequest{InputPath: "in.mp4", Height: 240, Bitrate: "400k", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncodeTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestFFmpegEncoderParentCancelIsNotTimeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)
	enc := NewFFmpegEncoder(script, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := enc.Encode(ctx, EncodeRequest{InputPath: "in.mp4", Height: 240, Bitrate: "400k", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEncodeTimeout))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 16}
	_, _ = b.Write([]byte("line one\nline two\nline three\n"))
	assert.LessOrEqual(t, len(b.buf), 16)
	assert.Equal(t, "line three", b.Tail(1))
}
