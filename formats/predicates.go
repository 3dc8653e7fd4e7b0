package formats

import "github.com/offtube/offtube/types"

// isCombined reports whether the encoding carries both tracks and can
// be streamed without a merge step.
func isCombined(enc types.Encoding) bool {
	return enc.HasAudio && enc.HasVideo
}

// isAudioOnly reports whether the encoding is a pure audio track.
func isAudioOnly(enc types.Encoding) bool {
	return enc.HasAudio && !enc.HasVideo
}

// betterByHeightThenBitrate compares two encodings and returns true when
// candidate is better than current, using the height parsed from the
// quality label as the primary criterion and bitrate as the tiebreaker.
func betterByHeightThenBitrate(candidate, current types.Encoding) bool {
	candidateHeight := parseHeight(candidate.Quality)
	currentHeight := parseHeight(current.Quality)
	if candidateHeight != currentHeight {
		return candidateHeight > currentHeight
	}
	return candidate.Bitrate > current.Bitrate
}
