package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/chatdesk/internal/action"
	"github.com/stupiduntilnot/chatdesk/internal/config"
	"github.com/stupiduntilnot/chatdesk/internal/control"
	"github.com/stupiduntilnot/chatdesk/internal/db"
	"github.com/stupiduntilnot/chatdesk/internal/dummy"
	"github.com/stupiduntilnot/chatdesk/internal/gemini"
	"github.com/stupiduntilnot/chatdesk/internal/history"
	"github.com/stupiduntilnot/chatdesk/internal/hub"
	"github.com/stupiduntilnot/chatdesk/internal/model"
	"github.com/stupiduntilnot/chatdesk/internal/openai"
	"github.com/stupiduntilnot/chatdesk/internal/prompt"
	"github.com/stupiduntilnot/chatdesk/internal/server"
	"github.com/stupiduntilnot/chatdesk/internal/session"
	"github.com/stupiduntilnot/chatdesk/internal/ticket"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket chat server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.dbPath != "" {
				cfg.DBPath = c.dbPath
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, c.logger)
		},
	}
}

// newProvider builds the completion gateway selected by model_provider.
func newProvider(ctx context.Context, cfg *config.Config) (model.Provider, error) {
	switch cfg.ModelProvider {
	case config.ProviderOpenAI:
		return openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.URL, cfg.OpenAI.Model, cfg.CompletionTimeout()), nil
	case config.ProviderGemini:
		client, err := gemini.NewClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderDummy:
		p, err := dummy.NewProvider("dummy", cfg.DummyScript)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", config.EnvName("dummy_script"), err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.ModelProvider)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	return run(ctx, ln, cfg, logger)
}

// run wires the service and serves on ln until ctx is cancelled.
func run(ctx context.Context, ln net.Listener, cfg *config.Config, logger *zap.Logger) error {
	defer ln.Close()
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return err
	}
	events := &db.EventLog{DB: database}

	processID, err := events.LogEvent(nil, db.EventProcessStarted, map[string]any{
		"pid":      os.Getpid(),
		"addr":     ln.Addr().String(),
		"provider": cfg.ModelProvider,
	})
	if err != nil {
		return fmt.Errorf("log process start: %w", err)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	reg := action.NewRegistry()
	if err := ticket.Register(reg, ticket.NewService()); err != nil {
		return fmt.Errorf("register ticket actions: %w", err)
	}

	store := history.NewSQLiteStore(database)
	builder := prompt.NewBuilder(store, cfg.HistoryWindow, cfg.SystemPrompt)
	builder.InputPersisted = true

	channelEvent := func(eventType string) hub.HookFunc {
		return func(userID, channelID string) {
			if _, err := events.LogEvent(&processID, eventType, map[string]any{
				"user_id":    userID,
				"channel_id": channelID,
			}); err != nil {
				logger.Warn("log event failed", zap.String("event_type", eventType), zap.Error(err))
			}
		}
	}
	h := hub.New(
		hub.WithLogger(logger),
		hub.WithWorkers(cfg.BroadcastWorkers),
		hub.OnConnect(channelEvent(db.EventChannelConnected)),
		hub.OnDisconnect(channelEvent(db.EventChannelDisconnected)),
	)

	policy := control.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	policy.MaxWallTime = cfg.CompletionTimeout()

	breaker := control.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown())
	coordinator := session.New(session.Deps{
		History:  store,
		Context:  builder,
		Provider: provider,
		Actions:  action.NewDispatcher(reg),
		Hub:      h,
		Breaker:  breaker,
		Policy:   policy,
		Events:   events,
		Log:      logger,
	})
	breaker.OnTransition = coordinator.LogCircuitTransition

	srv := server.New(h, coordinator, logger, server.Options{Events: events})
	httpServer := &http.Server{
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("chatdesk starting",
		zap.String("addr", ln.Addr().String()),
		zap.String("db_path", cfg.DBPath),
		zap.String("provider", cfg.ModelProvider),
		zap.Strings("actions", reg.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("chatdesk shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		srv.Close()
		return err
	})
	return g.Wait()
}
