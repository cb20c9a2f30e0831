package riskmap

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/model"
)

// ImportShapefile bulk-loads point incidents from a municipal shapefile.
// Recognized attribute fields (case-insensitive): type, severity, date,
// source. Missing attributes fall back to defaults. Returns the number of
// incidents inserted.
func (s *Service) ImportShapefile(ctx context.Context, path, defaultType string) (int, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "riskmap: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	attr := func(name string) string {
		idx, ok := fieldIdx[name]
		if !ok {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(reader.Attribute(idx), "\x00"))
	}

	now := time.Now().UTC()
	var inserted, skipped int
	for reader.Next() {
		_, shape := reader.Shape()
		point, ok := shape.(*shp.Point)
		if !ok {
			skipped++
			continue
		}

		incType := attr("type")
		if incType == "" {
			incType = defaultType
		}
		severity := 3
		if v, err := strconv.Atoi(attr("severity")); err == nil && v >= 1 && v <= 5 {
			severity = v
		}
		occurredAt := now
		if t, err := time.Parse("2006-01-02", attr("date")); err == nil {
			occurredAt = t
		}
		source := attr("source")
		if source == "" {
			source = "shapefile"
		}

		inc := modelIncident(point.Y, point.X, incType, severity, occurredAt, source)
		if err := s.store.InsertIncident(ctx, inc); err != nil {
			return inserted, eris.Wrap(err, "riskmap: insert imported incident")
		}
		inserted++
	}

	zap.L().Info("shapefile import complete",
		zap.String("path", path),
		zap.Int("inserted", inserted),
		zap.Int("skipped", skipped),
	)
	return inserted, nil
}

func modelIncident(lat, lng float64, incType string, severity int, occurredAt time.Time, source string) model.Incident {
	return model.Incident{
		ID:         uuid.NewString(),
		Location:   model.LatLng{Lat: lat, Lng: lng},
		Type:       incType,
		Severity:   severity,
		OccurredAt: occurredAt,
		Source:     source,
	}
}
