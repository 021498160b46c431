package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"queueline/internal/app"
	"queueline/internal/scheduler"
	"queueline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth, sweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			env, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer env.Close()
			if !cmd.Flags().Changed("addr") {
				addr = env.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = env.Config.Server.BasePath
			}

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth, Logger: logger}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("QUEUELINE_JWT_SECRET is required for bearer auth (or pass --no-auth)")
			}
			if noAuth {
				logger.Warn("admin API running without authentication")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, Repo: env.Repo, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			schedDone := make(chan struct{})
			if sweep || env.Config.Sweeper.Enabled {
				sched := scheduler.New(logger)
				if err := sched.AddJob("reassign-timeout", env.Config.Sweeper.Schedule, scheduler.SweepJob(env.Engine, logger)); err != nil {
					return err
				}
				go func() {
					defer close(schedDone)
					_ = sched.Start(ctx)
				}()
			} else {
				close(schedDone)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving queueline API", "addr", addr, "base_path", basePath, "docs", basePath+"/docs", "metrics", "/metrics")
			err = srv.ListenAndServe()
			cancel()
			<-schedDone
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "serve without bearer auth")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "run the reassignment timeout sweeper regardless of sweeper.enabled")
	return cmd
}
