package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/riskmap"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Manage the incident history behind risk analysis",
}

var incidentsImportCmd = &cobra.Command{
	Use:   "import <file.shp>",
	Short: "Bulk-import point incidents from a municipal shapefile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defaultType, _ := cmd.Flags().GetString("type")

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := riskmap.NewService(st, cfg.Risk).ImportShapefile(cmd.Context(), args[0], defaultType)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d incidents from %s\n", n, args[0])
		return nil
	},
}

var incidentsRiskCmd = &cobra.Command{
	Use:   "risk",
	Short: "Score a location against nearby incident history",
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		radius, _ := cmd.Flags().GetFloat64("radius")

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		a, err := riskmap.NewService(st, cfg.Risk).Analyze(cmd.Context(), model.LatLng{Lat: lat, Lng: lng}, radius)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "risk %s (score %.2f) from %d incidents within %.0fm\n",
			a.RiskLevel, a.RiskScore, a.IncidentCount, a.RadiusMeters)
		for _, inc := range a.RecentIncidents {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  %s severity=%d\n",
				inc.OccurredAt.Format("2006-01-02"), inc.Type, inc.Severity)
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(a.Recommendations, "; "))
		return nil
	},
}

func init() {
	incidentsImportCmd.Flags().String("type", "reported", "incident type for rows without one")

	incidentsRiskCmd.Flags().Float64("lat", 0, "latitude")
	incidentsRiskCmd.Flags().Float64("lng", 0, "longitude")
	incidentsRiskCmd.Flags().Float64("radius", 0, "radius in meters (default from config)")
	_ = incidentsRiskCmd.MarkFlagRequired("lat")
	_ = incidentsRiskCmd.MarkFlagRequired("lng")

	incidentsCmd.AddCommand(incidentsImportCmd, incidentsRiskCmd)
	rootCmd.AddCommand(incidentsCmd)
}
