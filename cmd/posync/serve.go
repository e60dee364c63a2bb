package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chefcloud/posync/internal/api"
	"github.com/chefcloud/posync/internal/logging"
	"github.com/chefcloud/posync/internal/metrics"
	"github.com/chefcloud/posync/internal/offline"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local operator API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, err := opts.openRemote(ctx, offline.WithMetrics(metrics.NewCollector()))
			if err != nil {
				return err
			}
			defer session.Close()

			if addr == "" {
				addr = session.Config().Server.Addr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}

			if err := session.Start(ctx); err != nil {
				ln.Close()
				return err
			}

			hub := api.NewHub()
			defer hub.Close()
			handler := api.NewHandler(session, hub)
			defer handler.Close()

			srv := &http.Server{
				Handler:           handler.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve(ln)
			}()

			logging.Info("Operator API listening", map[string]interface{}{
				"addr":    ln.Addr().String(),
				"session": session.ID(),
				"durable": session.Durable(),
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", ln.Addr())

			select {
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logging.Info("Shutting down", nil)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8090)")
	return cmd
}
