package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assignment and event logging HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		guard := dedup.New(dedup.WithDefaultWindow(cfg.Dedup.Window()))
		var opts []server.Option
		if env.Metrics != nil {
			opts = append(opts, server.WithSinks(env.Metrics))
		}
		s := server.New(server.Config{
			Addr:             fmt.Sprintf(":%d", port),
			CORSOrigins:      cfg.Server.CORSOrigins,
			RatePerSec:       cfg.Server.RatePerSec,
			Burst:            cfg.Server.Burst,
			ImpressionWindow: cfg.Dedup.Window(),
		}, env.Store, env.Registry, guard, opts...)
		srv := s.HTTPServer()

		go s.RunMaintenance(ctx, cfg.Dedup.SweepInterval())

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.Int("experiments", env.Registry.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
