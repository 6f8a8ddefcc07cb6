package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/compaction"
	"github.com/muxrun/mux/pkg/federation"
	"github.com/muxrun/mux/pkg/history"
	"github.com/muxrun/mux/pkg/hostkey"
	mcpmanager "github.com/muxrun/mux/pkg/mcp/manager"
	"github.com/muxrun/mux/pkg/policy"
	"github.com/muxrun/mux/pkg/provider"
	"github.com/muxrun/mux/pkg/rpc"
	"github.com/muxrun/mux/pkg/status"
	"github.com/muxrun/mux/pkg/tool/gitpatch"
	"github.com/muxrun/mux/pkg/version"
	"github.com/muxrun/mux/pkg/workspace"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RPC server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Endpoint != "" {
		shutdown, err := setupTracing(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("trace flush failed", zap.Error(err))
			}
		}()
	}

	policySvc := policy.New(version.Client,
		policy.WithSource(cfg.PolicySource),
		policy.WithLogger(logger))
	if err := policySvc.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize policy: %w", err)
	}
	defer policySvc.Dispose()

	store := workspace.NewStore(cfg.DataDir)
	hist := history.NewService(store)

	hub := newStatusHub()
	statusSvc := status.NewSetService(logger, store, hub.broadcast)
	defer statusSvc.Dispose()

	compactionSvc := compaction.New(logger, store, hist, func(workspaceID string, st *compaction.State) {
		logger.Debug("compaction state refreshed", zap.String("workspace", workspaceID))
	})
	defer compactionSvc.Dispose()

	hostkeySvc := hostkey.New(func(req hostkey.Request) {
		logger.Info("host key verification pending",
			zap.String("requestId", req.RequestID),
			zap.String("host", req.Host),
			zap.String("fingerprint", req.Fingerprint))
	}, hostkey.WithLogger(logger))
	defer hostkeySvc.Dispose()

	mcpMgr := mcpmanager.New(logger, policySvc, version.Client)
	defer mcpMgr.StopAll()

	providerCfgs := make(map[string]provider.Config, len(cfg.Providers))
	for id, pc := range cfg.Providers {
		providerCfgs[id] = provider.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL}
	}
	router := provider.NewRouter(policySvc, providerCfgs, provider.WithLogger(logger))

	patchTool := gitpatch.New(logger, gitpatch.NewArtifactStore(store))

	// The federation middleware needs the registry's stream table, and the
	// registry needs the full middleware chain; close over the variable.
	var registry *rpc.Registry
	fed := federation.NewMiddleware(logger, cfg.Federation, func(path string) bool {
		return registry.IsStream(path)
	})
	fed.RegisterRewriter("workspace.get", federation.RewriteWorkspaceMetadata)
	fed.RegisterRewriter("history.read", federation.RewriteTranscript)

	registry = rpc.NewRegistry(
		rpc.Tracing(),
		rpc.Logging(logger),
		rpc.Auth(cfg.AuthToken),
		rpc.PolicyGate(policySvc),
		fed.Wrap(),
	)

	api := &api{
		logger:     logger,
		policy:     policySvc,
		store:      store,
		history:    hist,
		status:     statusSvc,
		statusHub:  hub,
		compaction: compactionSvc,
		hostkeys:   hostkeySvc,
		mcp:        mcpMgr,
		providers:  router,
		patchTool:  patchTool,
	}
	api.register(registry)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: rpc.NewServer(registry, logger).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("muxd listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version.Client))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
