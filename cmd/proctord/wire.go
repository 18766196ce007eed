package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/vango-go/proctor/pkg/core/audio"
	"github.com/vango-go/proctor/pkg/core/proctor"
	"github.com/vango-go/proctor/pkg/gateway/config"
	"github.com/vango-go/proctor/pkg/gateway/handlers"
	"github.com/vango-go/proctor/pkg/gateway/live/hub"
	"github.com/vango-go/proctor/pkg/gateway/live/perception"
	"github.com/vango-go/proctor/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/proctor/pkg/gateway/server"
	"github.com/vango-go/proctor/pkg/providers/cartesia"
	"github.com/vango-go/proctor/pkg/providers/gemini"
	"github.com/vango-go/proctor/pkg/providers/inference"
	"github.com/vango-go/proctor/pkg/providers/landmarks"
	"github.com/vango-go/proctor/pkg/store"
	"github.com/vango-go/proctor/pkg/store/postgres"
	"github.com/vango-go/proctor/pkg/store/sqlite"
)

const tracerName = "github.com/vango-go/proctor/cmd/proctord"

// runtime owns everything the gateway shares across sessions and knows how
// to tear it down in order.
type runtime struct {
	deps      gatewayserver.Deps
	scheduler *proctor.Scheduler
	recorder  *store.Recorder
	store     store.Store
}

func newProviderClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		return sqlite.Open(cfg.StoreDSN)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.StoreDSN)
	default:
		return nil, nil
	}
}

func newTranscriber(ctx context.Context, cfg config.Config, client *http.Client) (proctor.Transcriber, string, error) {
	switch {
	case cfg.GeminiAPIKey != "":
		t, err := gemini.New(ctx, gemini.Options{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel, HTTPClient: client})
		if err != nil {
			return nil, "", err
		}
		return t, "gemini", nil
	case cfg.CartesiaAPIKey != "":
		return cartesia.New(cfg.CartesiaAPIKey, "", client), "cartesia", nil
	default:
		return nil, "none", nil
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, settings config.Settings, logger *slog.Logger) (*runtime, error) {
	m := metrics.New("proctor")
	tracer := otel.Tracer(tracerName)

	scorer, err := audio.NewScorer(settings.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio scorer: %w", err)
	}

	client := newProviderClient(cfg.InferenceTimeout)
	lanes := handlers.Lanes{
		Settings: settings,
		Scorer:   scorer,
		Metrics:  m,
		Tracer:   tracer,
	}

	inf := inference.NewClient(cfg.InferenceURL, cfg.InferenceAPIKey, client)
	popts := perception.Options{
		Pose:               landmarks.PoseEstimator{},
		Gaze:               landmarks.GazeEstimator{},
		PhoneMinConfidence: settings.Proctor.PhoneMinConfidence,
		Timeout:            cfg.InferenceTimeout,
		Tracer:             tracer,
	}
	var sched *proctor.Scheduler
	if inf.Configured() {
		popts.Faces = inf.Faces()
		popts.Objects = inf.Objects()
		sched = proctor.NewScheduler(inf, proctor.SchedulerOptions{
			Timeout:       settings.VerificationTimeout,
			MaxConcurrent: int64(settings.MaxConcurrentVerifications),
			Threshold:     settings.Proctor.VerificationDistance,
			Tracer:        tracer,
			Logger:        logger,
			Observe:       m.RecordVerification,
		})
		lanes.Verifier = sched
	} else {
		logger.Warn("inference service not configured; frames rely on client features")
	}
	lanes.Pipeline = perception.New(popts)

	transcriber, name, err := newTranscriber(ctx, cfg, newProviderClient(0))
	if err != nil {
		return nil, fmt.Errorf("transcriber: %w", err)
	}
	lanes.Transcriber = transcriber
	logger.Info("audio transcription", "provider", name)

	h := hub.New(logger)
	rt := &runtime{scheduler: sched}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	if st != nil {
		rt.store = st
		rt.recorder = store.NewRecorderWithOptions(st, logger, store.RecorderOptions{OnError: m.RecordStoreError})
		h.AddSink(rt.recorder)
	}

	rt.deps = gatewayserver.Deps{
		Lanes:   lanes,
		Hub:     h,
		Store:   st,
		Metrics: m,
		Tracer:  tracer,
	}
	return rt, nil
}

// close waits for in-flight verifications, flushes the recorder and closes
// the store. ctx bounds the whole teardown.
func (rt *runtime) close(ctx context.Context) error {
	var errs []error
	if rt.scheduler != nil && !rt.scheduler.Wait(ctx) {
		errs = append(errs, errors.New("verifications still in flight"))
	}
	if rt.recorder != nil {
		if err := rt.recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush recorder: %w", err))
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
