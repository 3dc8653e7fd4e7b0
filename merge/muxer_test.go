package merge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuxArgs(t *testing.T) {
	mp4 := strings.Join(muxArgs("mp4"), " ")
	assert.Contains(t, mp4, "-i pipe:3 -i pipe:4")
	assert.Contains(t, mp4, "-map 0:a -map 1:v")
	assert.Contains(t, mp4, "-movflags isml+frag_keyframe")
	assert.Contains(t, mp4, "-c:v copy -c:a copy")
	assert.True(t, strings.HasSuffix(mp4, "-f mp4 pipe:1"))

	webm := strings.Join(muxArgs("webm"), " ")
	assert.NotContains(t, webm, "-movflags", "fragmented flags are mp4-only")
	assert.True(t, strings.HasSuffix(webm, "-f webm pipe:1"))
}
