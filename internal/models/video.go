package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VideoStatus represents the processing lifecycle of an uploaded video.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusReady, VideoStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record in status from may move to status to.
// processing -> processing is allowed so a redelivered job can resume after a crash.
func CanTransition(from, to VideoStatus) bool {
	switch from {
	case VideoStatusPending:
		return to == VideoStatusProcessing || to == VideoStatusFailed
	case VideoStatusProcessing:
		return to == VideoStatusProcessing || to == VideoStatusReady || to == VideoStatusFailed
	}
	return false
}

// PlaylistRefKind says how a rendition playlist reference must be resolved.
type PlaylistRefKind string

const (
	PlaylistRefRelative   PlaylistRefKind = "relative"
	PlaylistRefStorageKey PlaylistRefKind = "storageKey"
)

// PlaylistRef points at a rendition playlist. Kind is fixed at write time.
type PlaylistRef struct {
	Kind  PlaylistRefKind `json:"kind"`
	Value string          `json:"value"`
}

// Rendition is one quality variant of a video. It has no identity outside its Video.
type Rendition struct {
	Label    string      `json:"label"`
	Height   int         `json:"height"`
	Bitrate  string      `json:"bitrate"` // compact form, e.g. "2500k"
	Playlist PlaylistRef `json:"playlist"`
}

// HeightLabel returns the "{height}p" name players use in relative playlist paths.
func (r Rendition) HeightLabel() string {
	return strconv.Itoa(r.Height) + "p"
}

// Matches reports whether quality names this rendition, either by label or by "{height}p".
func (r Rendition) Matches(quality string) bool {
	return quality != "" && (r.Label == quality || r.HeightLabel() == quality)
}

// Bandwidth returns the bitrate in bits per second.
func (r Rendition) Bandwidth() (int64, error) {
	return ParseBitrate(r.Bitrate)
}

// ParseBitrate expands a compact bitrate ("400k", "2.5M", "2500") into bits per second.
// A bare number is taken as kbit/s, matching the compact form the tiers are configured in.
func ParseBitrate(s string) (int64, error) {
	v := strings.TrimSpace(strings.ToLower(s))
	v = strings.TrimSuffix(v, "bit")
	v = strings.TrimSuffix(v, "bps")
	mult := 1000.0
	switch {
	case strings.HasSuffix(v, "k"):
		v = strings.TrimSuffix(v, "k")
	case strings.HasSuffix(v, "m"):
		v = strings.TrimSuffix(v, "m")
		mult = 1000 * 1000
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid bitrate %q", s)
	}
	return int64(n * mult), nil
}

// Video is the durable metadata record for one uploaded video.
type Video struct {
	ID           uuid.UUID   `json:"id"`
	OwnerID      uuid.UUID   `json:"owner_id"`
	Title        string      `json:"title"`
	SourceKey    string      `json:"source_key"`
	Status       VideoStatus `json:"status"`
	Renditions   []Rendition `json:"renditions"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// FindRendition returns the rendition matching quality, if any.
func (v *Video) FindRendition(quality string) (Rendition, bool) {
	for _, r := range v.Renditions {
		if r.Matches(quality) {
			return r, true
		}
	}
	return Rendition{}, false
}

// Qualities returns the "{height}p" names of all renditions, in stored order.
func (v *Video) Qualities() []string {
	out := make([]string, 0, len(v.Renditions))
	for _, r := range v.Renditions {
		out = append(out, r.HeightLabel())
	}
	return out
}

// ValidateRenditions enforces that renditions are present exactly when status is ready.
func ValidateRenditions(status VideoStatus, renditions []Rendition) error {
	if status == VideoStatusReady && len(renditions) == 0 {
		return fmt.Errorf("status %s requires at least one rendition", status)
	}
	if status != VideoStatusReady && len(renditions) > 0 {
		return fmt.Errorf("status %s must not carry renditions", status)
	}
	return nil
}
