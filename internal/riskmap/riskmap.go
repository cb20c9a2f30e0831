// Package riskmap scores locations against historical incident reports.
// Incidents come from user alerts or bulk municipal imports (shapefile).
package riskmap

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/store"
)

// Assessment is the risk verdict for a queried location.
type Assessment struct {
	Location        model.LatLng     `json:"location"`
	RadiusMeters    float64          `json:"radius_meters"`
	RiskScore       float64          `json:"risk_score"`
	RiskLevel       string           `json:"risk_level"`
	IncidentCount   int              `json:"incident_count"`
	RecentIncidents []model.Incident `json:"recent_incidents"`
	Recommendations []string         `json:"recommendations"`
}

// Service answers location risk queries.
type Service struct {
	store store.Store
	cfg   config.RiskConfig
}

// NewService creates a risk service over the incident store.
func NewService(st store.Store, cfg config.RiskConfig) *Service {
	return &Service{store: st, cfg: cfg}
}

// Analyze scores a location by the incidents within radius meters over the
// configured lookback window.
func (s *Service) Analyze(ctx context.Context, loc model.LatLng, radiusMeters float64) (*Assessment, error) {
	if radiusMeters <= 0 {
		radiusMeters = s.cfg.DefaultRadiusMeters
	}
	since := time.Now().UTC().AddDate(0, 0, -s.cfg.LookbackDays)

	// Coarse bounding box; refined by true distance below.
	dLat := radiusMeters / 111320.0
	dLng := dLat / math.Max(0.01, math.Cos(loc.Lat*math.Pi/180))
	candidates, err := s.store.IncidentsInBBox(ctx,
		loc.Lat-dLat, loc.Lat+dLat, loc.Lng-dLng, loc.Lng+dLng, since)
	if err != nil {
		return nil, eris.Wrap(err, "riskmap: query incidents")
	}

	now := time.Now().UTC()
	var nearby []model.Incident
	score := 0.0
	for _, inc := range candidates {
		if haversineMeters(loc, inc.Location) > radiusMeters {
			continue
		}
		nearby = append(nearby, inc)
		score += incidentWeight(inc, now)
	}
	score = math.Min(score, 1.0)

	sort.Slice(nearby, func(i, j int) bool {
		return nearby[i].OccurredAt.After(nearby[j].OccurredAt)
	})
	recent := nearby
	if len(recent) > 3 {
		recent = recent[:3]
	}

	level := riskLevel(score)
	return &Assessment{
		Location:        loc,
		RadiusMeters:    radiusMeters,
		RiskScore:       score,
		RiskLevel:       level,
		IncidentCount:   len(nearby),
		RecentIncidents: recent,
		Recommendations: recommendations(level),
	}, nil
}

// RecordAlertIncident folds an escalated alert into the incident history so
// future risk queries see it.
func (s *Service) RecordAlertIncident(ctx context.Context, alert model.Alert) error {
	if alert.Location == nil {
		return nil
	}
	inc := model.Incident{
		ID:         alert.ID,
		Location:   *alert.Location,
		Type:       string(alert.Kind),
		Severity:   severityForKind(alert.Kind),
		OccurredAt: alert.CreatedAt,
		Source:     "alert",
	}
	if err := s.store.InsertIncident(ctx, inc); err != nil {
		return eris.Wrap(err, "riskmap: record alert incident")
	}
	zap.L().Debug("alert recorded as incident", zap.String("alert_id", alert.ID))
	return nil
}

// incidentWeight contributes severity-scaled, recency-decayed weight.
// A fresh severity-5 incident adds 0.2; weight halves every 30 days.
func incidentWeight(inc model.Incident, now time.Time) float64 {
	severity := float64(inc.Severity)
	if severity < 1 {
		severity = 1
	}
	if severity > 5 {
		severity = 5
	}
	ageDays := now.Sub(inc.OccurredAt).Hours() / 24
	decay := math.Pow(0.5, ageDays/30)
	return (severity / 5.0) * 0.2 * decay
}

func riskLevel(score float64) string {
	switch {
	case score < 0.3:
		return "low"
	case score < 0.7:
		return "medium"
	default:
		return "high"
	}
}

func recommendations(level string) []string {
	switch level {
	case "high":
		return []string{
			"Consider an alternative route",
			"Travel with a companion if possible",
			"Stay in well-lit areas",
			"Share your live location with a trusted contact",
		}
	case "medium":
		return []string{
			"Stay alert to your surroundings",
			"Keep your phone accessible",
			"Prefer busier streets",
		}
	default:
		return []string{
			"Area appears relatively safe",
			"Keep normal precautions",
		}
	}
}

func severityForKind(kind model.SignalKind) int {
	switch kind {
	case model.SignalManual:
		return 5
	case model.SignalRouteDeviation:
		return 4
	case model.SignalVoice, model.SignalGesture:
		return 3
	default:
		return 2
	}
}

// haversineMeters returns the great-circle distance between two points.
func haversineMeters(a, b model.LatLng) float64 {
	const earthRadius = 6371000.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(h))
}
