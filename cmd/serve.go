package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"surgelab/internal/baseline"
	"surgelab/internal/engine"
	"surgelab/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		defer logger.Sync()

		store, err := baseline.Open(baselinePath())
		if err != nil {
			return fmt.Errorf("open baseline store: %w", err)
		}
		defer store.Close()

		eng := engine.New(store, logger)
		srv := &http.Server{
			Addr:    serveAddr,
			Handler: server.New(eng, store, logger).Handler(),
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("control API listening", zap.String("addr", serveAddr))
			errCh <- srv.ListenAndServe()
		}()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigs:
		}

		logger.Info("shutting down, stopping active tests")
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := eng.Shutdown(ctx); err != nil {
			logger.Warn("engine shutdown incomplete", zap.Error(err))
		}
		return srv.Shutdown(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8089", "listen address")
}
