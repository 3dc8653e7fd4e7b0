package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/merge"
	"github.com/offtube/offtube/types"
)

const testID = "dQw4w9WgXcQ"

type stubProvider struct {
	info  *types.VideoInfo
	err   error
	calls int
}

func (p *stubProvider) GetVideoInfo(_ context.Context, videoID string) (*types.VideoInfo, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	info := *p.info
	info.ID = videoID
	return &info, nil
}

// stubOpener serves canned bytes per itag.
type stubOpener struct {
	streams map[int]string
	errs    map[int]error
}

func (o *stubOpener) Open(_ context.Context, _ *types.VideoInfo, enc *types.Encoding) (io.ReadCloser, int64, error) {
	if err := o.errs[enc.Itag]; err != nil {
		return nil, 0, err
	}
	return io.NopCloser(strings.NewReader(o.streams[enc.Itag])), 0, nil
}

// stubMuxer concatenates both inputs.
type stubMuxer struct{}

func (stubMuxer) Start(_ context.Context, _ string) (merge.Process, error) {
	outR, outW := io.Pipe()
	audioR, audioW := io.Pipe()
	videoR, videoW := io.Pipe()
	p := &stubProcess{audioW: audioW, videoW: videoW, out: outR, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, audioR)
		_, _ = io.Copy(&buf, videoR)
		_, _ = io.Copy(outW, &buf)
		outW.Close()
	}()
	return p, nil
}

type stubProcess struct {
	audioW, videoW *io.PipeWriter
	out            *io.PipeReader
	done           chan struct{}
	killOnce       sync.Once
}

func (p *stubProcess) AudioIn() io.WriteCloser { return p.audioW }
func (p *stubProcess) VideoIn() io.WriteCloser { return p.videoW }
func (p *stubProcess) Output() io.Reader       { return p.out }
func (p *stubProcess) Wait() error             { <-p.done; return nil }
func (p *stubProcess) Kill() {
	p.killOnce.Do(func() {
		p.audioW.CloseWithError(io.ErrClosedPipe)
		p.videoW.CloseWithError(io.ErrClosedPipe)
		p.out.Close()
	})
}

func splitCatalog() []types.Encoding {
	return []types.Encoding{
		{Itag: 140, MimeType: `audio/mp4; codecs="mp4a.40.2"`, Container: "mp4", Bitrate: 130000, ContentLength: 1000, HasAudio: true},
		{Itag: 137, MimeType: `video/mp4; codecs="avc1.640028"`, Container: "mp4", Quality: "1080p", ContentLength: 5000, HasVideo: true},
	}
}

func webmSplitCatalog() []types.Encoding {
	return []types.Encoding{
		{Itag: 251, MimeType: `audio/webm; codecs="opus"`, Container: "webm", Bitrate: 160000, ContentLength: 1000, HasAudio: true},
		{Itag: 248, MimeType: `video/webm; codecs="vp9"`, Container: "webm", Quality: "1080p", ContentLength: 5000, HasVideo: true},
	}
}

func newTestServer(t *testing.T, provider *stubProvider, opener merge.Opener) *Server {
	t.Helper()
	srv := New(provider, merge.New(opener, stubMuxer{}), Config{TmpDir: t.TempDir()})
	t.Cleanup(srv.Close)
	return srv
}

func testInfo(catalog []types.Encoding) *types.VideoInfo {
	return &types.VideoInfo{Title: "My Video", Encodings: catalog}
}

func TestInfoMissingURLAnswers200(t *testing.T) {
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, &stubOpener{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/info", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "url parameter")
}

func TestInfoProviderFailure(t *testing.T) {
	srv := newTestServer(t, &stubProvider{err: errs.ErrVideoUnavailable}, &stubOpener{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/info?url="+testID, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestInfoSelectedFormatShape(t *testing.T) {
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, &stubOpener{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/info?url="+testID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Title          string `json:"title"`
		SelectedFormat struct {
			AudioFormat      *formatSummary `json:"audioFormat"`
			VideoFormat      *formatSummary `json:"videoFormat"`
			Format           *formatSummary `json:"format"`
			HighestAudioOnly *formatSummary `json:"highestAudioOnly"`
		} `json:"selectedFormat"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "My Video", body.Title)
	require.NotNil(t, body.SelectedFormat.AudioFormat)
	require.NotNil(t, body.SelectedFormat.VideoFormat)
	assert.Nil(t, body.SelectedFormat.Format)
	assert.EqualValues(t, 1000, body.SelectedFormat.AudioFormat.ContentLength)
	assert.Equal(t, "mp4", body.SelectedFormat.VideoFormat.Container)
	require.NotNil(t, body.SelectedFormat.HighestAudioOnly)
	assert.EqualValues(t, 1000, body.SelectedFormat.HighestAudioOnly.ContentLength)
}

func TestInfoUsesCache(t *testing.T) {
	provider := &stubProvider{info: testInfo(splitCatalog())}
	srv := newTestServer(t, provider, &stubOpener{})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/info?url="+testID, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, provider.calls)
}

func TestDownloadMissingURL(t *testing.T) {
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, &stubOpener{})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadSplitMP4(t *testing.T) {
	opener := &stubOpener{streams: map[int]string{140: "AAAA", 137: "VVVV"}}
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Length"), "mp4 split output size is unknown")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="My Video.mp4"`)
	assert.Equal(t, "AAAAVVVV", rec.Body.String())
}

func TestDownloadSplitWebMContentLength(t *testing.T) {
	opener := &stubOpener{streams: map[int]string{251: "AAAA", 248: "VVVV"}}
	srv := newTestServer(t, &stubProvider{info: testInfo(webmSplitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/webm", rec.Header().Get("Content-Type"))
	assert.Equal(t, "6000", rec.Header().Get("Content-Length"))
}

func TestDownloadCombined(t *testing.T) {
	catalog := []types.Encoding{{
		Itag: 18, MimeType: `video/mp4; codecs="avc1, mp4a"`, Container: "mp4",
		Quality: "360p", ContentLength: 11, HasAudio: true, HasVideo: true,
	}}
	opener := &stubOpener{streams: map[int]string{18: "progressive"}}
	srv := newTestServer(t, &stubProvider{info: testInfo(catalog)}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
	assert.Equal(t, "progressive", rec.Body.String())
}

func TestDownloadAudioOnly(t *testing.T) {
	opener := &stubOpener{streams: map[int]string{140: "audio-bytes"}}
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID+"&audioOnly=true", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="My Video.m4a"`)
	assert.Equal(t, "audio-bytes", rec.Body.String())
}

func TestDownloadAudioOnlyWithoutAudioTrack(t *testing.T) {
	catalog := []types.Encoding{{
		Itag: 18, MimeType: "video/mp4", Container: "mp4", HasAudio: true, HasVideo: true,
	}}
	srv := newTestServer(t, &stubProvider{info: testInfo(catalog)}, &stubOpener{streams: map[int]string{18: "x"}})

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID+"&audioOnly=1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDownloadForwardsUpstreamStatus(t *testing.T) {
	opener := &stubOpener{errs: map[int]error{140: &errs.StatusError{Code: http.StatusForbidden}}}
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadMidStreamErrorAbortsConnection(t *testing.T) {
	readErr := errors.New("connection reset")
	opener := &failMidStreamOpener{}
	opener.streams = map[int]string{137: "VVVV"}
	opener.failItag = 140
	opener.failAfter = "AA"
	opener.failErr = readErr
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/video/download?url=" + testID)
	require.NoError(t, err, "headers go out before the stream fails")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err, "truncation must be detectable, not a clean EOF")
}

func TestDownloadErrorBeforeFirstByteAnswersStatus(t *testing.T) {
	opener := &failMidStreamOpener{}
	opener.failItag = 140
	opener.failAfter = ""
	opener.failErr = &errs.StatusError{Code: http.StatusForbidden}
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download?url="+testID+"&audioOnly=true", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code, "nothing sent yet, so the status can still tell the truth")
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestDownloadFirstReportsRealSize(t *testing.T) {
	opener := &stubOpener{streams: map[int]string{140: "AAAA", 137: "VVVV"}}
	srv := newTestServer(t, &stubProvider{info: testInfo(splitCatalog())}, opener)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video/download-first?url="+testID, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "AAAAVVVV", rec.Body.String())
}

// failMidStreamOpener serves failAfter bytes for failItag, then errors.
type failMidStreamOpener struct {
	stubOpener
	failItag  int
	failAfter string
	failErr   error
}

func (o *failMidStreamOpener) Open(ctx context.Context, info *types.VideoInfo, enc *types.Encoding) (io.ReadCloser, int64, error) {
	if enc.Itag == o.failItag {
		r := io.MultiReader(strings.NewReader(o.failAfter), &errReader{err: o.failErr})
		return io.NopCloser(r), 0, nil
	}
	return o.stubOpener.Open(ctx, info, enc)
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }
