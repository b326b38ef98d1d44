package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jimdaga/postflow/internal/api"
	"github.com/jimdaga/postflow/internal/auth"
	"github.com/jimdaga/postflow/internal/worker"
)

func newServeCommand() *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "Also run the background worker and scheduler in this process")
	return cmd
}

func runServe(cmdCtx context.Context, withWorker bool) error {
	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	auth.InitProviders(a.cfg, a.logger)

	deps := api.Deps{
		DB:              a.db,
		Projects:        a.projects,
		Content:         a.content,
		Orchestrator:    a.orchestrator,
		AuthRedirectURL: firstOrigin(a.cfg.AllowedOrigins),
		Logger:          a.logger,
	}
	if a.publisher != nil {
		deps.Mirror = a.publisher
		deps.Events = a.follower

		client, err := worker.NewClient(a.cfg.RedisURL, a.cfg.ProcessTimeout)
		if err != nil {
			return fmt.Errorf("create task client: %w", err)
		}
		defer client.Close()
		deps.Enqueuer = client
	}

	if withWorker {
		if a.publisher == nil {
			return fmt.Errorf("--with-worker requires REDIS_URL")
		}
		stopWorker, err := worker.Start(a.cfg, a.workerDeps())
		if err != nil {
			return err
		}
		defer stopWorker()

		stopScheduler, err := worker.StartScheduler(a.cfg, a.logger)
		if err != nil {
			return err
		}
		defer stopScheduler()
	}

	handlers := api.NewAPI(deps)
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           api.NewRouter(a.cfg, handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for handlers but never cancels them. Open processing
	// streams must end early so their runs release locks while the database is
	// still open.
	srv.RegisterOnShutdown(handlers.CloseStreams)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", "port", a.cfg.Port, "env", a.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down server")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (a *app) workerDeps() worker.Deps {
	return worker.Deps{
		Orchestrator: a.orchestrator,
		Projects:     a.projects,
		Content:      a.content,
		Publisher:    a.publisher,
		Logger:       a.logger,
	}
}

func firstOrigin(origins []string) string {
	if len(origins) == 0 {
		return "/"
	}
	return origins[0]
}
