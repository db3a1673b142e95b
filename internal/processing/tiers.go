package processing

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/streamvault/backend/internal/models"
)

// DefaultTiers is used when no tier configuration is provided.
const DefaultTiers = "240p@400k,480p@1000k,720p@2500k"

// Tier is one target rendition: a label, a frame height and a compact bitrate.
type Tier struct {
	Label   string `yaml:"label"`
	Height  int    `yaml:"height"`
	Bitrate string `yaml:"bitrate"`
}

type tierFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// ParseTiers parses "label@bitrate" pairs separated by commas, e.g. "240p@400k,720p@2500k".
// The height is taken from the digits of the label.
func ParseTiers(s string) ([]Tier, error) {
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, bitrate, ok := strings.Cut(part, "@")
		if !ok {
			return nil, fmt.Errorf("tier %q: want label@bitrate", part)
		}
		tiers = append(tiers, Tier{Label: strings.TrimSpace(label), Bitrate: strings.TrimSpace(bitrate)})
	}
	return normalizeTiers(tiers)
}

// LoadTiersFile reads tiers from a YAML document of the form:
//
//	tiers:
//	  - label: 720p
//	    height: 720
//	    bitrate: 2500k
func LoadTiersFile(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tiers file %s: %w", path, err)
	}
	return normalizeTiers(f.Tiers)
}

// normalizeTiers fills missing heights from labels, validates every tier and
// sorts the list by ascending height.
func normalizeTiers(in []Tier) ([]Tier, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("no quality tiers configured")
	}
	seen := make(map[string]bool, len(in))
	heights := make(map[int]string, len(in))
	out := make([]Tier, 0, len(in))
	for _, t := range in {
		if t.Label == "" {
			return nil, fmt.Errorf("tier without label")
		}
		if seen[t.Label] {
			return nil, fmt.Errorf("duplicate tier %q", t.Label)
		}
		seen[t.Label] = true
		if t.Height == 0 {
			h, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(t.Label), "p"))
			if err != nil {
				return nil, fmt.Errorf("tier %q: height not set and not derivable from label", t.Label)
			}
			t.Height = h
		}
		if t.Height <= 0 {
			return nil, fmt.Errorf("tier %q: invalid height %d", t.Label, t.Height)
		}
		// Playback addresses renditions by "{height}p", so heights must be unique.
		if other, ok := heights[t.Height]; ok {
			return nil, fmt.Errorf("tier %q: height %d already used by tier %q", t.Label, t.Height, other)
		}
		heights[t.Height] = t.Label
		if _, err := models.ParseBitrate(t.Bitrate); err != nil {
			return nil, fmt.Errorf("tier %q: %w", t.Label, err)
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}
