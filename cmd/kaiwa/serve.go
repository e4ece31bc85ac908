package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kaiwa-labs/kaiwa-gateway/internal/config"
	httpx "github.com/kaiwa-labs/kaiwa-gateway/internal/http"
	"github.com/kaiwa-labs/kaiwa-gateway/internal/logging"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logging.New(cfg.LogFile, cfg.Prod)
		defer log.Sync()

		log.Info("starting gateway",
			zap.String("port", cfg.Port),
			zap.String("ws_path", cfg.WSPath),
			zap.Bool("live_upstream", cfg.UpstreamURL != ""))

		r, hub := httpx.NewRouter(cfg, log)
		srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			log.Info("shutting down", zap.Int("live_sessions", hub.Len()))
			hub.CloseAll()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			srv.Shutdown(sctx)
		}()

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}
