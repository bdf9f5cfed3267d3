// Package main is the entry point for the wfsync daemon. It keeps a local
// copy of one or more workflows in sync with the server and serves the
// mirrored state over a small inspection HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/wfsync/internal/config"
	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/internal/resync"
	"github.com/pitabwire/wfsync/internal/session"
	"github.com/pitabwire/wfsync/internal/snapshot"
	"github.com/pitabwire/wfsync/internal/transport"
	"github.com/pitabwire/wfsync/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "wfsync", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.DefaultRegisterer)
	}

	tokens := transport.EnvToken(cfg.Transport.TokenEnv)
	loader := transport.NewHTTPLoader(cfg.Loader.BaseURL, cfg.Loader.Timeout,
		transport.WithLoaderLogger(logger.Named("loader")),
		transport.WithLoaderTokenSource(tokens),
	)

	// The client and the session reference each other; notifications only
	// arrive after Run starts, by which point sess is set.
	var sess *session.Session
	client := transport.NewClient(cfg.Transport.URL,
		transport.DispatcherFunc(func(ctx context.Context, t model.EventType, p json.RawMessage) {
			sess.Dispatch(ctx, t, p)
		}),
		transport.WithLogger(logger.Named("transport")),
		transport.WithMetrics(metrics),
		transport.WithTokenSource(tokens),
		transport.WithDialer(&websocket.Dialer{
			HandshakeTimeout: cfg.Transport.DialTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}),
		transport.WithTimeouts(cfg.Transport.RequestTimeout, cfg.Transport.WriteTimeout),
		transport.WithReconnectDelay(cfg.Transport.ReconnectDelay),
	)

	sess, err = session.New(loader, client,
		session.WithMountPoint(cfg.Sync.MountPoint),
		session.WithEqualPolicy(snapshot.ParseEqualPolicy(cfg.Sync.EqualSnapshot)),
		session.WithCompositeOverrides(cfg.Sync.CompositeOverrides),
		session.WithBreaker(resync.NewBreaker(cfg.Sync.ResyncBreaker.FailureThreshold, cfg.Sync.ResyncBreaker.Cooldown)),
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("session initialization failed", zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		State:         sess.Store(),
		Subscriptions: sess.Subscriptions(),
		Readiness: observability.ReadinessChecks{
			TransportConnected: client.Connected,
			WorkflowLoaded:     workflowLoadedCheck(cfg, sess),
			Loader:             loader,
		},
		Metrics:     metrics,
		MetricsPath: cfg.Observability.Metrics.Path,
		Logger:      logger.Named("http"),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("daemon started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("transport_url", cfg.Transport.URL),
		zap.String("mount_point", cfg.Sync.MountPoint),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := client.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(cfg, srv, sess, logger)
	})
	if cfg.Startup.ProjectID != "" {
		g.Go(func() error {
			openStartup(gctx, cfg.Startup, client, sess, logger)
			return nil
		})
	}

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tracingShutdown(flushCtx); terr != nil {
		logger.Error("tracing shutdown error", zap.Error(terr))
	}

	if err != nil {
		logger.Error("daemon stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// openStartup waits for the transport and opens the configured workflow in
// the default slot. Failures are logged; the daemon keeps serving.
func openStartup(ctx context.Context, cfg config.StartupConfig, client *transport.Client, sess *session.Session, logger *zap.Logger) {
	if err := client.WaitConnected(ctx); err != nil {
		return
	}
	ref := model.WorkflowRef{ProjectID: cfg.ProjectID, WorkflowID: cfg.WorkflowID}
	sub, err := sess.Open(ctx, ref)
	if err != nil {
		logger.Error("startup workflow not opened",
			zap.String("project_id", ref.ProjectID),
			zap.String("workflow_id", ref.WorkflowID),
			zap.Error(err),
		)
		return
	}
	logger.Info("startup workflow opened",
		zap.String("slot", sub.Slot),
		zap.Stringer("key", sub.Key),
	)
}

// shutdown drains the HTTP server and unloads every workflow. Listener
// removal is best effort: the transport may already be gone.
func shutdown(cfg *config.Config, srv *http.Server, sess *session.Session, logger *zap.Logger) error {
	logger.Info("shutdown initiated")

	timeout := cfg.Server.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sess.Shutdown(ctx); err != nil {
		logger.Warn("workflows not cleanly unloaded", zap.Error(err))
	}
	return nil
}

func workflowLoadedCheck(cfg *config.Config, sess *session.Session) func() bool {
	if cfg.Startup.ProjectID == "" {
		return nil
	}
	return sess.Loaded
}
