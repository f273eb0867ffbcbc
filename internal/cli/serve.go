package cli

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

	"github.com/kubilitics/kubilitics-graph/internal/api/rest"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port          int
		pruneInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.Warm(ctx); err != nil {
				a.log.Warn("hash cache warm-up failed", zap.Error(err))
			}
			if port == 0 {
				port = a.cfg.Server.Port
			}

			srv := &http.Server{
				Addr: fmt.Sprintf(":%d", port),
				Handler: rest.NewRouter(rest.Options{
					Storage:        rt.storage,
					Temporal:       rt.temporal,
					Cache:          rt.cache,
					Policy:         rt.policy,
					DefaultDepth:   a.cfg.Query.DefaultDepth,
					MaxResults:     a.cfg.Query.MaxResults,
					AllowedOrigins: a.cfg.Server.AllowedOrigins,
					Logger:         a.log,
				}),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			if rt.temporal != nil && pruneInterval > 0 {
				go a.pruneLoop(ctx, rt, pruneInterval)
			}
			if rt.cache.Enabled() {
				go cacheJanitor(ctx, rt, time.Minute)
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("server listening", zap.Int("port", port), zap.String("storage", rt.base.Backend()))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("server forced to shutdown", zap.Error(err))
			}
			a.log.Info("server exited")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: server.port)")
	cmd.Flags().DurationVar(&pruneInterval, "prune-interval", time.Hour, "how often to apply snapshot retention; 0 disables")
	return cmd
}

func (a *app) pruneLoop(ctx context.Context, rt *runtime, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := rt.temporal.PruneSnapshots(ctx, retention(a.cfg.Temporal))
			if err != nil {
				a.log.Warn("snapshot prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.log.Info("snapshots pruned", zap.Int("deleted", n))
			}
		}
	}
}

func cacheJanitor(ctx context.Context, rt *runtime, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := rt.cache.Prune(); n > 0 {
				rt.log.Debug("expired cache entries pruned", zap.Int("entries", n))
			}
		}
	}
}
