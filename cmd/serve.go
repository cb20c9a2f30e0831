package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/assist"
	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/ingest"
	"github.com/lifeline-app/lifeline/internal/notify"
	"github.com/lifeline-app/lifeline/internal/riskmap"
	"github.com/lifeline-app/lifeline/internal/server"
)

var (
	servePort    int
	serveConsume bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detection engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		eng := engine.New(cfg, st, notify.NewWebhook(cfg.Notify))
		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer eng.Shutdown()

		risk := riskmap.NewService(st, cfg.Risk)
		advisor := assist.NewAdvisor(cfg.Assist)

		if serveConsume {
			consumer := ingest.NewConsumer(ingest.NewReader(cfg.Kafka), eng)
			go func() {
				if err := consumer.Run(ctx); err != nil {
					zap.L().Error("signal consumer exited", zap.Error(err))
					stop()
				}
			}()
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: server.New(cfg.Server, eng, risk, advisor).Router(),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
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
	serveCmd.Flags().BoolVar(&serveConsume, "consume", false, "also consume detector reports from Kafka")
	rootCmd.AddCommand(serveCmd)
}
