package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/signalbot/internal/server"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
)

// announceMode logs the execution mode at warn level so it stands out.
func (a *App) announceMode(ctx context.Context, deps *Dependencies) {
	attrs := []any{
		slog.String("symbol", a.cfg.Trading.Symbol),
		slog.String("ledger", deps.LedgerBackend),
		slog.Any("analysis_sources", deps.Analyzer.Sources()),
		slog.Bool("price_feed", deps.Feed != nil),
		slog.Int("alert_senders", len(deps.Notifier.Senders())),
	}
	if deps.Provider.Simulated() {
		a.logger.WarnContext(ctx, "DRY RUN: orders are simulated and never reach the exchange", attrs...)
		return
	}
	a.logger.WarnContext(ctx, "LIVE EXECUTION: orders will be submitted to the exchange", attrs...)
}

// serve runs the HTTP server and the optional price feed in an errgroup. On
// cancellation the server stops accepting requests first, then the
// dispatcher drains so every accepted event reaches a terminal ledger entry.
func (a *App) serve(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := a.newServer(deps)

	g.Go(func() error {
		return srv.Start()
	})

	if deps.Feed != nil {
		g.Go(func() error {
			err := deps.Feed.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		timeout := a.cfg.Server.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutCtx); err != nil {
			errs = append(errs, err)
		}
		if err := deps.Dispatcher.Drain(shutCtx); err != nil {
			a.logger.Error("drain incomplete", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		if deps.Feed != nil {
			deps.Feed.Close()
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) newServer(deps *Dependencies) *server.Server {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Intake:    handler.NewIntakeHandler(deps.Dispatcher, a.logger),
		Status:    handler.NewStatusHandler(deps.Dispatcher, a.cfg.Trading.Symbol),
		Trading:   handler.NewTradingHandler(deps.Dispatcher),
		Ledger:    handler.NewLedgerHandler(deps.Ledger, a.logger),
		Decisions: handler.NewDecisionsHandler(deps.Bus, a.logger),
	}
	return server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		APIKey:             a.cfg.Server.APIKey,
		RateLimiter:        deps.RateLimiter,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, a.logger)
}
