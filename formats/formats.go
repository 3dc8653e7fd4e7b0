// Package formats matches an encoding catalog against the quality
// preference table and produces a download plan.
package formats

import (
	"regexp"
	"strconv"

	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/types"
)

var heightRe = regexp.MustCompile(`([0-9]{3,4})p`)

// Kind tags the plan variant.
type Kind int

const (
	// PlanSplit pairs a separate audio and video encoding that must be
	// merged into one container.
	PlanSplit Kind = iota
	// PlanCombined is a single encoding carrying both tracks.
	PlanCombined
)

// Plan is the matcher's output. For PlanSplit, Audio and Video are set
// and always come from the same container bucket. For PlanCombined only
// Combined is set. HighestAudioOnly is carried by both variants and is
// nil when the catalog has no pure-audio encoding.
type Plan struct {
	Kind      Kind
	Audio     *types.Encoding
	Video     *types.Encoding
	Combined  *types.Encoding
	Container string

	HighestAudioOnly *types.Encoding
}

// bucket is one row of the preference table. Itag lists are ordered by
// descending quality, so the first catalog hit is the best available.
type bucket struct {
	container string
	audio     []int
	video     []int
}

var preferenceTable = []bucket{
	{container: "mp4", audio: []int{140, 141}, video: []int{137, 299, 399}},
	{container: "webm", audio: []int{251}, video: []int{248}},
}

// Select walks the preference table in container order and returns the
// first bucket that yields both an audio and a video encoding as a
// split plan. When no bucket pairs up it falls back to the best
// combined encoding; quality there is judged by labeled height then
// bitrate, which is an approximation of the upstream ranking.
//
// Malformed catalog entries are never fatal, they simply do not match.
func Select(catalog []types.Encoding) (Plan, error) {
	plan := Plan{HighestAudioOnly: highestAudioOnly(catalog)}

	for _, b := range preferenceTable {
		audio := findByItag(catalog, b.audio)
		video := findByItag(catalog, b.video)
		if audio != nil && video != nil {
			plan.Kind = PlanSplit
			plan.Audio = audio
			plan.Video = video
			plan.Container = b.container
			return plan, nil
		}
	}

	combined := bestCombined(catalog)
	if combined == nil {
		return Plan{}, errs.ErrNoPlayableFormat
	}
	plan.Kind = PlanCombined
	plan.Combined = combined
	plan.Container = combined.Container
	return plan, nil
}

// findByItag returns the catalog encoding matching the earliest itag in
// the preference list, or nil. List order wins over catalog order.
func findByItag(catalog []types.Encoding, itags []int) *types.Encoding {
	for _, itag := range itags {
		for i := range catalog {
			if catalog[i].Itag == itag {
				return &catalog[i]
			}
		}
	}
	return nil
}

func bestCombined(catalog []types.Encoding) *types.Encoding {
	var best *types.Encoding
	for i := range catalog {
		if !isCombined(catalog[i]) {
			continue
		}
		if best == nil || betterByHeightThenBitrate(catalog[i], *best) {
			best = &catalog[i]
		}
	}
	return best
}

func highestAudioOnly(catalog []types.Encoding) *types.Encoding {
	var best *types.Encoding
	for i := range catalog {
		if !isAudioOnly(catalog[i]) {
			continue
		}
		if best == nil || catalog[i].Bitrate > best.Bitrate {
			best = &catalog[i]
		}
	}
	return best
}

func parseHeight(label string) int {
	m := heightRe.FindStringSubmatch(label)
	if len(m) >= 2 {
		if v, err := strconv.Atoi(m[1]); err == nil {
			return v
		}
	}
	return 0
}
