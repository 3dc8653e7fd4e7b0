// Package server is the HTTP surface: video info lookups and the
// download endpoints that stream pipeline output to clients.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/offtube/offtube/internal/cache"
	"github.com/offtube/offtube/internal/diag"
	"github.com/offtube/offtube/merge"
	"github.com/offtube/offtube/metrics"
	"github.com/offtube/offtube/types"
)

// CatalogProvider resolves a video id to its metadata and encoding
// catalog.
type CatalogProvider interface {
	GetVideoInfo(ctx context.Context, videoID string) (*types.VideoInfo, error)
}

// Config carries the server's tunables.
type Config struct {
	// TmpDir is where the buffered download variant spools; empty means
	// the system temp dir.
	TmpDir string
	// InfoTTL bounds how long catalog lookups are served from memory.
	InfoTTL time.Duration
}

const defaultInfoTTL = 5 * time.Minute

// Server wires the provider, the pipeline and the HTTP handlers
// together. One instance serves all requests; per-download state lives
// in pipeline sessions.
type Server struct {
	provider  CatalogProvider
	pipeline  *merge.Pipeline
	infoCache *cache.TTL[*types.VideoInfo]
	tmpDir    string
	log       zerolog.Logger
}

func New(provider CatalogProvider, pipeline *merge.Pipeline, cfg Config) *Server {
	ttl := cfg.InfoTTL
	if ttl <= 0 {
		ttl = defaultInfoTTL
	}
	return &Server{
		provider:  provider,
		pipeline:  pipeline,
		infoCache: cache.New[*types.VideoInfo](ttl, ttl),
		tmpDir:    cfg.TmpDir,
		log:       diag.WithComponent("server"),
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/api/video/info", s.handleInfo)
	r.Get("/api/video/download", s.handleDownload)
	r.Get("/api/video/download-first", s.handleDownloadFirst)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Close releases server-held resources.
func (s *Server) Close() {
	s.infoCache.Stop()
}

// videoInfo resolves the raw url parameter through the TTL cache.
func (s *Server) videoInfo(ctx context.Context, raw string) (*types.VideoInfo, error) {
	id, err := ParseVideoID(raw)
	if err != nil {
		return nil, err
	}
	if info, ok := s.infoCache.Get(id); ok {
		metrics.InfoRequests.WithLabelValues("hit").Inc()
		return info, nil
	}
	metrics.InfoRequests.WithLabelValues("miss").Inc()

	info, err := s.provider.GetVideoInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	s.infoCache.Set(id, info)
	return info, nil
}
