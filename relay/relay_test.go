package relay

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToTempFileRoundTrip(t *testing.T) {
	dir := t.TempDir()

	spool, err := ToTempFile(dir, strings.NewReader("hello media"), "mp4")
	require.NoError(t, err)
	assert.EqualValues(t, len("hello media"), spool.Size)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ".mp4", filepath.Ext(entries[0].Name()))

	data, err := io.ReadAll(spool)
	require.NoError(t, err)
	assert.Equal(t, "hello media", string(data))

	require.NoError(t, spool.Close())
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "backing file must be deleted on close")
}

func TestToTempFileSourceErrorCleansUp(t *testing.T) {
	dir := t.TempDir()
	src := io.MultiReader(strings.NewReader("partial"), &failingReader{})

	_, err := ToTempFile(dir, src, "webm")
	require.Error(t, err)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "partial spool file must be removed")
}

func TestToTempFileDefaultDir(t *testing.T) {
	spool, err := ToTempFile("", strings.NewReader("x"), "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(spool.path, os.TempDir()))
	require.NoError(t, spool.Close())
}

type failingReader struct{}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, errors.New("upstream died")
}
