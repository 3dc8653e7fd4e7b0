package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/offtube/offtube/client"
	"github.com/offtube/offtube/fetch"
	"github.com/offtube/offtube/internal/diag"
	"github.com/offtube/offtube/merge"
	"github.com/offtube/offtube/server"
	"github.com/offtube/offtube/youtube/innertube"
)

// shutdownGrace is how long in-flight requests get before the listener
// is torn down hard.
const shutdownGrace = 3 * time.Second

func main() {
	_ = godotenv.Load()

	diag.Configure(diag.Config{
		Level:   os.Getenv("OFFTUBE_LOG_LEVEL"),
		Service: "offtube",
	})
	log := diag.WithComponent("main")

	listen := envOr("OFFTUBE_LISTEN", ":3001")

	provider := innertube.New(client.New())
	fetcher := fetch.New(client.NewStreaming())
	muxer := &merge.FFmpeg{Path: os.Getenv("OFFTUBE_FFMPEG_PATH")}
	pipeline := merge.New(fetcher, muxer)

	srv := server.New(provider, pipeline, server.Config{
		TmpDir:  os.Getenv("OFFTUBE_TMP_DIR"),
		InfoTTL: envDuration("OFFTUBE_INFO_CACHE_TTL"),
	})
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", listen).Msg("serving")
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("forcing close")
			_ = httpSrv.Close()
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log := diag.WithComponent("main")
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration")
		return 0
	}
	return d
}
