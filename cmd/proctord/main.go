package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vango-go/proctor/internal/dotenv"
	"github.com/vango-go/proctor/internal/telemetry"
	"github.com/vango-go/proctor/pkg/gateway/config"
	gatewayserver "github.com/vango-go/proctor/pkg/gateway/server"
)

var version = "dev"

type daemonDeps struct {
	loadConfig     func() (config.Config, error)
	loadThresholds func(path string) (config.Settings, error)
	buildRuntime   func(context.Context, config.Config, config.Settings, *slog.Logger) (*runtime, error)
	signalNotify   func(chan<- os.Signal, ...os.Signal)
	signalStop     func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig:     config.LoadFromEnv,
		loadThresholds: config.LoadThresholds,
		buildRuntime:   buildRuntime,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func newLogger(w io.Writer, format string) *slog.Logger {
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func runDaemon(ctx context.Context, stderr io.Writer, deps daemonDeps) error {
	if deps.loadConfig == nil || deps.loadThresholds == nil {
		return errors.New("missing config dependency")
	}
	if deps.buildRuntime == nil {
		return errors.New("missing buildRuntime dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	settings, err := deps.loadThresholds(cfg.ThresholdsFile)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.OTelEnabled,
		Endpoint:       cfg.OTelEndpoint,
		ServiceName:    "proctord",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	rt, err := deps.buildRuntime(ctx, cfg, settings, logger)
	if err != nil {
		return err
	}
	gw := gatewayserver.New(cfg, rt.deps, logger)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting proctord",
		"addr", cfg.Addr,
		"version", version,
		"auth_mode", cfg.AuthMode,
		"store", cfg.StoreDriver,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 2)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		closeRuntime(rt, cfg, logger)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled; shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	drain(gw, cfg, sigCh, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	closeRuntime(rt, cfg, logger)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("proctord stopped")
	return nil
}

// drain refuses new examinees, warns the live ones and gives them the grace
// period to leave. A second signal cuts the wait short.
func drain(gw *gatewayserver.Server, cfg config.Config, sigCh <-chan os.Signal, logger *slog.Logger) {
	gw.Lifecycle().BeginDrain(time.Now())
	reg := gw.Registry()
	warned := reg.WarnAll("draining", "the proctoring service is restarting; your session will end shortly")
	logger.Info("draining", "sessions", reg.Count(), "warned", warned, "grace", cfg.ShutdownGracePeriod)

	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	go func() {
		select {
		case sig := <-sigCh:
			logger.Warn("second signal; canceling sessions now", "signal", sig.String())
			cancel()
		case <-waitCtx.Done():
		}
	}()
	if !reg.Wait(waitCtx) {
		canceled := reg.CancelAll()
		logger.Warn("grace period over; canceled sessions", "canceled", canceled)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finalCancel()
		reg.Wait(finalCtx)
	}
}

func closeRuntime(rt *runtime, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := rt.close(ctx); err != nil {
		logger.Warn("runtime teardown incomplete", "error", err)
	}
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env", os.Getenv(dotenv.EnvFileVar)); err != nil {
		fmt.Fprintf(stderr, "proctord: %v\n", err)
		return 1
	}

	if err := runDaemon(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "proctord: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}
