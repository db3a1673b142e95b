// Package playlist builds and repairs HLS master playlists.
package playlist

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/streamvault/backend/internal/models"
)

// RenditionPlaylist is the file name of every rendition's media playlist.
const RenditionPlaylist = "playlist.m3u8"

const streamInfPrefix = "#EXT-X-STREAM-INF:"

// ErrNoRenditions is returned when a master playlist is requested for zero renditions.
var ErrNoRenditions = errors.New("no renditions")

// Variant is one STREAM-INF entry of a master playlist.
type Variant struct {
	Bandwidth  int64
	Resolution string
	URI        string
}

// RelativePath returns the master-relative path of r's media playlist, "{height}p/playlist.m3u8".
func RelativePath(r models.Rendition) string {
	return r.HeightLabel() + "/" + RenditionPlaylist
}

// BuildMaster renders the master playlist with one variant per rendition, in
// input order. Every variant URI is relative so the playlist resolves against
// the master's own URL. Identical input yields byte-identical output.
func BuildMaster(renditions []models.Rendition) (string, error) {
	if len(renditions) == 0 {
		return "", ErrNoRenditions
	}

	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-INDEPENDENT-SEGMENTS",
		"#EXT-X-MEDIA-SEQUENCE:0",
	}
	for _, r := range renditions {
		if r.Height <= 0 {
			return "", fmt.Errorf("rendition %q: invalid height %d", r.Label, r.Height)
		}
		bps, err := r.Bandwidth()
		if err != nil {
			return "", fmt.Errorf("rendition %q: %w", r.Label, err)
		}
		lines = append(lines,
			fmt.Sprintf("%sBANDWIDTH=%d,RESOLUTION=%s", streamInfPrefix, bps, r.HeightLabel()),
			RelativePath(r),
		)
	}
	lines = append(lines, "#EXT-X-ENDLIST")
	return strings.Join(lines, "\n"), nil
}

// ParseMaster reads the variants of a master playlist in document order.
func ParseMaster(content string) ([]Variant, error) {
	sc := bufio.NewScanner(strings.NewReader(content))
	first := true
	var (
		out     []Variant
		pending *Variant
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if first {
			if line != "#EXTM3U" {
				return nil, errors.New("missing #EXTM3U header")
			}
			first = false
			continue
		}
		switch {
		case line == "":
		case strings.HasPrefix(line, streamInfPrefix):
			v, err := parseStreamInf(strings.TrimPrefix(line, streamInfPrefix))
			if err != nil {
				return nil, err
			}
			pending = &v
		case strings.HasPrefix(line, "#"):
		default:
			if pending == nil {
				return nil, fmt.Errorf("uri %q without #EXT-X-STREAM-INF", line)
			}
			pending.URI = line
			out = append(out, *pending)
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, errors.New("empty playlist")
	}
	return out, nil
}

func parseStreamInf(attrs string) (Variant, error) {
	var v Variant
	for _, attr := range strings.Split(attrs, ",") {
		k, val, ok := strings.Cut(attr, "=")
		if !ok {
			continue
		}
		switch k {
		case "BANDWIDTH":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return v, fmt.Errorf("bad BANDWIDTH %q", val)
			}
			v.Bandwidth = n
		case "RESOLUTION":
			v.Resolution = val
		}
	}
	if v.Bandwidth <= 0 {
		return v, errors.New("STREAM-INF without BANDWIDTH")
	}
	return v, nil
}

// RewriteStorageKeys replaces variant URIs that embed object store keys under
// videos/processed/{videoID}/ with the rendition's relative path. Lines that
// are already relative are left alone, so the rewrite is idempotent.
// It reports whether anything changed.
func RewriteStorageKeys(content, videoID string, renditions []models.Rendition) (string, bool) {
	marker := "videos/processed/" + videoID + "/"
	lines := strings.Split(content, "\n")
	changed := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.Index(trimmed, marker)
		if idx < 0 {
			continue
		}
		rest := trimmed[idx+len(marker):]
		dir, _, _ := strings.Cut(rest, "/")
		for _, r := range renditions {
			if r.Matches(dir) {
				lines[i] = RelativePath(r)
				changed = true
				break
			}
		}
	}
	if !changed {
		return content, false
	}
	return strings.Join(lines, "\n"), true
}
