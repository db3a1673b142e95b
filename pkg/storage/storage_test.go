package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHelpers(t *testing.T) {
	key := OriginalKey("owner-1", "../../etc/clip.mp4")
	assert.True(t, strings.HasPrefix(key, "videos/original/owner-1/"))
	assert.True(t, strings.HasSuffix(key, "-clip.mp4"))
	assert.NotContains(t, key, "..")

	assert.Equal(t, "videos/processed/v1/720p/segment_000.ts", ProcessedKey("v1", "720p", "segment_000.ts"))
	assert.Equal(t, "videos/processed/v1/", ProcessedPrefix("v1"))
	assert.Equal(t, "videos/processed/v1/master.m3u8", MasterKey("v1"))
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(&types.NoSuchKey{}), ErrNotFound)
	assert.ErrorIs(t, mapError(&smithy.GenericAPIError{Code: "NotFound"}), ErrNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapError(other))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "videos/processed/v1/240p/playlist.m3u8", strings.NewReader("#EXTM3U"), 7, "application/vnd.apple.mpegurl"))
	require.NoError(t, m.Put(ctx, "videos/processed/v1/240p/segment_000.ts", strings.NewReader("ts"), 2, "video/mp2t"))
	require.NoError(t, m.Put(ctx, "videos/processed/v2/240p/segment_000.ts", strings.NewReader("ts"), 2, "video/mp2t"))

	keys, err := m.List(ctx, ProcessedPrefix("v1"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"videos/processed/v1/240p/playlist.m3u8",
		"videos/processed/v1/240p/segment_000.ts",
	}, keys)

	dst := filepath.Join(t.TempDir(), "nested", "playlist.m3u8")
	require.NoError(t, m.DownloadToFile(ctx, "videos/processed/v1/240p/playlist.m3u8", dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U", string(data))

	require.NoError(t, m.Delete(ctx, "videos/processed/v1/240p/playlist.m3u8"))
	_, err = m.Get(ctx, "videos/processed/v1/240p/playlist.m3u8")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryFailWith(t *testing.T) {
	m := NewMemory()
	boom := errors.New("store unavailable")
	m.FailWith(func(op, key string) error {
		if op == "get" {
			return boom
		}
		return nil
	})
	_, err := m.Get(context.Background(), "any")
	assert.ErrorIs(t, err, boom)
}
