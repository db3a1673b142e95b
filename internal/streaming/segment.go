package streaming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Segment file names seen in the wild: segment_007.ts, segment-007.ts, 007.ts.
var (
	segmentNamePattern = regexp.MustCompile(`^segment[_-]?(\d+)\.ts$`)
	bareSegmentPattern = regexp.MustCompile(`^(\d+)\.ts$`)
)

// SegmentName is the canonical file name of segment seq.
func SegmentName(seq int) string {
	return fmt.Sprintf("segment_%03d.ts", seq)
}

// ParseSegmentName extracts the sequence number from any accepted segment file name.
func ParseSegmentName(name string) (int, bool) {
	for _, re := range []*regexp.Regexp{segmentNamePattern, bareSegmentPattern} {
		if m := re.FindStringSubmatch(name); m != nil {
			return atoiSeq(m[1])
		}
	}
	return 0, false
}

// ParseSequence accepts a bare sequence number or "N.ts".
func ParseSequence(s string) (int, bool) {
	return atoiSeq(strings.TrimSuffix(s, ".ts"))
}

func atoiSeq(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
