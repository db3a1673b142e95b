package streaming

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Cache is the gateway's local rehydration cache. Layout:
//
//	{root}/processed/{videoId}/master.m3u8
//	{root}/processed/{videoId}/{label}/playlist.m3u8
//	{root}/processed/{videoId}/{label}/segment_%03d.ts
//
// Entries are written atomically, so readers never observe a partial file.
// Concurrent writers of the same entry race harmlessly; content is deterministic.
type Cache struct {
	root string
}

// NewCache returns a cache rooted at root.
func NewCache(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) videoDir(videoID string) string {
	return filepath.Join(c.root, "processed", videoID)
}

// MasterPath is the cached master playlist of a video.
func (c *Cache) MasterPath(videoID string) string {
	return filepath.Join(c.videoDir(videoID), "master.m3u8")
}

// PlaylistPath is the cached media playlist of one rendition.
func (c *Cache) PlaylistPath(videoID, label string) string {
	return filepath.Join(c.videoDir(videoID), label, "playlist.m3u8")
}

// SegmentPath is the cached segment seq of one rendition.
func (c *Cache) SegmentPath(videoID, label string, seq int) string {
	return filepath.Join(c.videoDir(videoID), label, SegmentName(seq))
}

// Write atomically replaces path with data.
func (c *Cache) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return renameio.WriteFile(path, data, 0o644)
}

// WriteFrom atomically replaces path with everything read from r.
func (c *Cache) WriteFrom(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending cache file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, r); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

// Evict drops every cached artifact of a video.
func (c *Cache) Evict(videoID uuid.UUID) error {
	return os.RemoveAll(c.videoDir(videoID.String()))
}
