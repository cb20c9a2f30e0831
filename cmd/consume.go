package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/ingest"
	"github.com/lifeline-app/lifeline/internal/notify"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Run the detector report consumer without the HTTP API",
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

		zap.L().Info("consuming detector reports",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.SignalsTopic),
			zap.String("group", cfg.Kafka.ConsumerGroup),
		)
		return ingest.NewConsumer(ingest.NewReader(cfg.Kafka), eng).Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(consumeCmd)
}
