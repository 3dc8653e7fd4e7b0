package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/offtube/offtube/errs"
	"github.com/offtube/offtube/formats"
	"github.com/offtube/offtube/internal/mimeext"
	"github.com/offtube/offtube/internal/sanitize"
	"github.com/offtube/offtube/metrics"
	"github.com/offtube/offtube/relay"
	"github.com/offtube/offtube/types"
)

// formatSummary is the reduced encoding view surfaced to clients.
type formatSummary struct {
	ContentLength int64  `json:"contentLength"`
	Container     string `json:"container"`
}

type selectedFormat struct {
	AudioFormat      *formatSummary `json:"audioFormat,omitempty"`
	VideoFormat      *formatSummary `json:"videoFormat,omitempty"`
	Format           *formatSummary `json:"format,omitempty"`
	HighestAudioOnly *formatSummary `json:"highestAudioOnly"`
}

type infoResponse struct {
	*types.VideoInfo
	SelectedFormat selectedFormat `json:"selectedFormat"`
}

func summarize(enc *types.Encoding) *formatSummary {
	if enc == nil {
		return nil
	}
	return &formatSummary{ContentLength: enc.ContentLength, Container: enc.Container}
}

func planJSON(plan formats.Plan) selectedFormat {
	sel := selectedFormat{HighestAudioOnly: summarize(plan.HighestAudioOnly)}
	switch plan.Kind {
	case formats.PlanSplit:
		sel.AudioFormat = summarize(plan.Audio)
		sel.VideoFormat = summarize(plan.Video)
	case formats.PlanCombined:
		sel.Format = summarize(plan.Combined)
	}
	return sel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a pre-header failure to a response status: the
// upstream's own code when one is known, 500 otherwise.
func statusFor(err error) int {
	var se *errs.StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return http.StatusInternalServerError
}

// handleInfo returns video metadata plus the plan the matcher would
// pick. A missing url parameter answers 200 with an error body; API
// consumers predating this service depend on that shape.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{"error": "url parameter is required"})
		return
	}

	info, err := s.videoInfo(r.Context(), rawURL)
	if err != nil {
		s.log.Error().Err(err).Str("url", rawURL).Msg("info lookup failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	plan, err := formats.Select(info.Encodings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, infoResponse{VideoInfo: info, SelectedFormat: planJSON(plan)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url parameter is required"))
		return
	}
	audioOnly, _ := strconv.ParseBool(r.URL.Query().Get("audioOnly"))

	stream, err := s.openDownload(w, r, rawURL, audioOnly)
	if err != nil {
		s.log.Error().Err(err).Str("url", rawURL).Msg("download setup failed")
		writeError(w, statusFor(err), err)
		return
	}
	s.stream(w, stream)
}

// handleDownloadFirst spools the whole download to disk before
// answering, so the response carries the stream's real size.
func (s *Server) handleDownloadFirst(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url parameter is required"))
		return
	}
	audioOnly, _ := strconv.ParseBool(r.URL.Query().Get("audioOnly"))

	rec := httpHeaderRecorder{ResponseWriter: w}
	stream, err := s.openDownload(&rec, r, rawURL, audioOnly)
	if err != nil {
		s.log.Error().Err(err).Str("url", rawURL).Msg("download setup failed")
		writeError(w, statusFor(err), err)
		return
	}
	defer stream.Close()

	spool, err := relay.ToTempFile(s.tmpDir, stream, mimeext.ExtFromMime(rec.Header().Get("Content-Type")))
	if err != nil {
		s.log.Error().Err(err).Str("url", rawURL).Msg("spooling failed")
		writeError(w, statusFor(err), err)
		return
	}
	defer spool.Close()

	copyRecordedHeaders(w, rec)
	w.Header().Set("Content-Length", strconv.FormatInt(spool.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, spool); err != nil {
		s.log.Debug().Err(err).Msg("client left during buffered relay")
	}
}

// openDownload resolves the plan for rawURL and opens the matching
// pipeline session, setting the response headers the plan dictates on
// w. Headers are set but not flushed; the caller decides when to write
// the status line.
func (s *Server) openDownload(w http.ResponseWriter, r *http.Request, rawURL string, audioOnly bool) (io.ReadCloser, error) {
	ctx := r.Context()
	info, err := s.videoInfo(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	plan, err := formats.Select(info.Encodings)
	if err != nil {
		return nil, err
	}

	if audioOnly {
		enc := plan.HighestAudioOnly
		if enc == nil {
			return nil, fmt.Errorf("no audio track: %w", errs.ErrNoPlayableFormat)
		}
		stream, err := s.pipeline.Combined(ctx, info, enc)
		if err != nil {
			return nil, err
		}
		metrics.SessionsStarted.WithLabelValues("audio").Inc()
		setSingleEncodingHeaders(w, info, enc)
		return stream, nil
	}

	switch plan.Kind {
	case formats.PlanSplit:
		stream, err := s.pipeline.Split(ctx, info, plan.Audio, plan.Video, plan.Container)
		if err != nil {
			return nil, err
		}
		metrics.SessionsStarted.WithLabelValues("split").Inc()
		setSplitHeaders(w, info, plan)
		return stream, nil
	default:
		stream, err := s.pipeline.Combined(ctx, info, plan.Combined)
		if err != nil {
			return nil, err
		}
		metrics.SessionsStarted.WithLabelValues("combined").Inc()
		setSingleEncodingHeaders(w, info, plan.Combined)
		return stream, nil
	}
}

func setSingleEncodingHeaders(w http.ResponseWriter, info *types.VideoInfo, enc *types.Encoding) {
	h := w.Header()
	h.Set("Content-Type", enc.ContentType())
	if enc.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(enc.ContentLength, 10))
	}
	name := sanitize.AttachmentName(info.Title, mimeext.ExtFromMime(enc.MimeType))
	h.Set("Content-Disposition", `attachment; filename="`+name+`"`)
}

// setSplitHeaders derives the merged stream's headers. Only webm output
// has a predictable size (the container adds nothing to the track
// sizes); fragmented mp4 framing makes any announced length a lie, so
// none is sent.
func setSplitHeaders(w http.ResponseWriter, info *types.VideoInfo, plan formats.Plan) {
	h := w.Header()
	h.Set("Content-Type", mimeext.StreamContentType(plan.Container))
	if plan.Container == mimeext.ContainerWebM && plan.Audio.ContentLength > 0 && plan.Video.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(plan.Audio.ContentLength+plan.Video.ContentLength, 10))
	}
	name := sanitize.AttachmentName(info.Title, plan.Container)
	h.Set("Content-Disposition", `attachment; filename="`+name+`"`)
}

// stream relays session output to the client. A session error before
// the first byte still gets a proper status response; after bytes have
// gone out the connection is aborted so the client sees truncation
// instead of a clean end. A write failure just means the client went
// away.
func (s *Server) stream(w http.ResponseWriter, rc io.ReadCloser) {
	defer rc.Close()

	wroteAny := false
	buf := make([]byte, 64*1024)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				s.log.Debug().Err(werr).Msg("client left during stream")
				return
			}
			wroteAny = true
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			s.log.Error().Err(rerr).Msg("session failed mid-stream")
			metrics.SessionErrors.WithLabelValues("http").Inc()
			if !wroteAny {
				h := w.Header()
				h.Del("Content-Length")
				h.Del("Content-Disposition")
				writeError(w, statusFor(rerr), rerr)
				return
			}
			panic(http.ErrAbortHandler)
		}
	}
}

// httpHeaderRecorder captures the headers openDownload would have set,
// so the buffered variant can defer them until the spool size is known.
type httpHeaderRecorder struct {
	http.ResponseWriter
	header http.Header
}

func (r *httpHeaderRecorder) Header() http.Header {
	if r.header == nil {
		r.header = make(http.Header)
	}
	return r.header
}

func copyRecordedHeaders(w http.ResponseWriter, rec httpHeaderRecorder) {
	for k, vals := range rec.header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			w.Header().Set(k, v)
		}
	}
}
