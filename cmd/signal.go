package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lifeline-app/lifeline/internal/ingest"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/normalize"
)

var (
	signalUser string
	signalLat  float64
	signalLng  float64
)

// signalCmd publishes a raw report to the signals topic, for exercising the
// consumer without a device in hand.
var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Publish a test detector report to Kafka",
}

var signalManualCmd = &cobra.Command{
	Use:   "manual",
	Short: "Publish a manual SOS report",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := normalize.RawReport{
			UserID:     signalUser,
			Kind:       model.SignalManual,
			OccurredAt: time.Now().UTC(),
		}
		if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
			raw.Location = &model.LatLng{Lat: signalLat, Lng: signalLng}
		}
		return publishSignal(cmd, raw)
	},
}

var signalShakeCmd = &cobra.Command{
	Use:   "shake",
	Short: "Publish a synthetic shake burst",
	RunE: func(cmd *cobra.Command, args []string) error {
		intensity, _ := cmd.Flags().GetFloat64("intensity")
		count, _ := cmd.Flags().GetInt("samples")

		now := time.Now().UTC()
		samples := make([]normalize.ShakeSample, count)
		for i := range samples {
			samples[i] = normalize.ShakeSample{
				Intensity: intensity,
				AtMillis:  now.UnixMilli() - int64(count-i)*100,
			}
		}
		return publishSignal(cmd, normalize.RawReport{
			UserID:     signalUser,
			Kind:       model.SignalShake,
			OccurredAt: now,
			Shake:      &normalize.RawShake{Samples: samples},
		})
	},
}

func publishSignal(cmd *cobra.Command, raw normalize.RawReport) error {
	writer := ingest.NewWriter(cfg.Kafka)
	defer writer.Close()

	if err := ingest.PublishRawReport(cmd.Context(), writer, raw); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s report for %s\n", raw.Kind, raw.UserID)
	return nil
}

func init() {
	signalCmd.PersistentFlags().StringVar(&signalUser, "user", "", "user ID (required)")
	signalCmd.PersistentFlags().Float64Var(&signalLat, "lat", 0, "latitude")
	signalCmd.PersistentFlags().Float64Var(&signalLng, "lng", 0, "longitude")
	_ = signalCmd.MarkPersistentFlagRequired("user")

	signalShakeCmd.Flags().Float64("intensity", 0.9, "sample intensity")
	signalShakeCmd.Flags().Int("samples", 5, "number of samples in the burst")

	signalCmd.AddCommand(signalManualCmd, signalShakeCmd)
	rootCmd.AddCommand(signalCmd)
}
