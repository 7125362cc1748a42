package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/server"
)

var (
	servePort          int
	serveNoReconciler  bool
	serveStagePlanPath string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the admin API and background reconciler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, serveStagePlanPath)
		if err != nil {
			return err
		}
		defer env.Close()

		if !serveNoReconciler {
			env.Reconciler.Start(ctx)
			defer env.Reconciler.Stop()
		}

		api := server.New(ctx, server.Config{
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			PresignExpiry:  cfg.Objects.PresignExpiry,
		}, env.Store, env.Executor, env.Engine, env.Reconciler, env.Broadcaster, env.Signer)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoReconciler, "no-reconciler", false, "do not start the background reconciler")
	serveCmd.Flags().StringVar(&serveStagePlanPath, "stage-plan", "", "YAML stage plan override")
	rootCmd.AddCommand(serveCmd)
}
