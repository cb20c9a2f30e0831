package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/lifeline-app/lifeline/internal/model"
)

// PostgresStore is the shared multi-node backend.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres connects to Postgres using the given connection URL.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	cfg.MaxConns = 8
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL,
	phone         TEXT NOT NULL,
	relation      TEXT NOT NULL DEFAULT '',
	priority_tier INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_user_tier ON contacts(user_id, priority_tier);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	lat         DOUBLE PRECISION,
	lng         DOUBLE PRECISION,
	signal_kind TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	status      TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_user_created ON alerts(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id         TEXT PRIMARY KEY,
	alert_id   TEXT NOT NULL REFERENCES alerts(id),
	contact_id TEXT NOT NULL,
	tier       INTEGER NOT NULL,
	channel    TEXT NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL,
	result     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_alert ON delivery_attempts(alert_id);

CREATE TABLE IF NOT EXISTS suppressed_triggers (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	alert_id         TEXT NOT NULL REFERENCES alerts(id),
	signal_report_id TEXT NOT NULL,
	kind             TEXT NOT NULL,
	suppressed_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suppressed_alert ON suppressed_triggers(alert_id);

CREATE TABLE IF NOT EXISTS route_tracks (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	planned_path JSONB NOT NULL,
	state        TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL,
	note         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tracks_user_state ON route_tracks(user_id, state);

CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	lat         DOUBLE PRECISION NOT NULL,
	lng         DOUBLE PRECISION NOT NULL,
	type        TEXT NOT NULL,
	severity    INTEGER NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	source      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_incidents_loc ON incidents(lat, lng);
`

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgPlaceholders renders $start..$start+n-1 for an IN clause.
func pgPlaceholders(start, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// AddContact inserts an emergency contact.
func (s *PostgresStore) AddContact(ctx context.Context, c model.Contact) error {
	if c.PriorityTier < 1 {
		return eris.Wrapf(ErrInvalidTier, "contact %s has tier %d", c.ID, c.PriorityTier)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO contacts (id, user_id, name, phone, relation, priority_tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.Name, c.Phone, c.Relation, c.PriorityTier, c.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert contact")
	}
	return nil
}

// ListContacts returns a user's contacts ordered by tier, then creation.
func (s *PostgresStore) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, phone, relation, priority_tier, created_at
		 FROM contacts WHERE user_id = $1 ORDER BY priority_tier, created_at`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.Relation, &c.PriorityTier, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// CreateAlert inserts a new alert.
func (s *PostgresStore) CreateAlert(ctx context.Context, a model.Alert) error {
	var lat, lng *float64
	if a.Location != nil {
		lat, lng = &a.Location.Lat, &a.Location.Lng
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (id, user_id, lat, lng, signal_kind, confidence, status, note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, lat, lng, string(a.Kind), a.Confidence, string(a.Status), a.Note,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert alert")
	}
	return nil
}

func scanPGAlert(scan func(...any) error) (model.Alert, error) {
	var a model.Alert
	var lat, lng *float64
	var kind, status string
	if err := scan(&a.ID, &a.UserID, &lat, &lng, &kind, &a.Confidence, &status, &a.Note, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return a, err
	}
	if lat != nil && lng != nil {
		a.Location = &model.LatLng{Lat: *lat, Lng: *lng}
	}
	a.Kind = model.SignalKind(kind)
	a.Status = model.AlertStatus(status)
	return a, nil
}

// GetAlert loads an alert with its delivery attempts.
func (s *PostgresStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanPGAlert(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "alert %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get alert")
	}

	attempts, err := s.attemptsForAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Attempts = attempts
	return &a, nil
}

func (s *PostgresStore) attemptsForAlert(ctx context.Context, alertID string) ([]model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, alert_id, contact_id, tier, channel, sent_at, result, updated_at
		 FROM delivery_attempts WHERE alert_id = $1 ORDER BY tier, sent_at`, alertID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var at model.DeliveryAttempt
		var result string
		if err := rows.Scan(&at.ID, &at.AlertID, &at.ContactID, &at.Tier, &at.Channel, &at.SentAt, &result, &at.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		at.Result = model.AttemptResult(result)
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

func (s *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query alerts")
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanPGAlert(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListAlerts returns a user's alerts, newest first, without attempts.
func (s *PostgresStore) ListAlerts(ctx context.Context, userID string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
}

// ListAlertsByStatus returns alerts in any of the given statuses.
func (s *PostgresStore) ListAlertsByStatus(ctx context.Context, statuses ...model.AlertStatus) ([]model.Alert, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status IN (`+pgPlaceholders(1, len(statuses))+`) ORDER BY created_at`,
		args...)
}

// RecentAlerts returns alerts created at or after since, oldest first.
func (s *PostgresStore) RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE created_at >= $1 ORDER BY created_at`,
		since)
}

// TransitionAlert moves an alert to a new status, conditional on the
// current status being a legal predecessor.
func (s *PostgresStore) TransitionAlert(ctx context.Context, id string, to model.AlertStatus) error {
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "no status may transition to %s", to)
	}
	args := []any{string(to), time.Now().UTC(), id}
	for _, src := range sources {
		args = append(args, string(src))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET status = $1, updated_at = $2 WHERE id = $3 AND status IN (`+pgPlaceholders(4, len(sources))+`)`,
		args...)
	if err != nil {
		return eris.Wrap(err, "postgres: transition alert")
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM alerts WHERE id = $1`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "alert %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: read alert status")
		}
		return eris.Wrapf(ErrInvalidTransition, "alert %s: %s -> %s", id, current, to)
	}
	return nil
}

// SetAlertNote replaces the alert's note.
func (s *PostgresStore) SetAlertNote(ctx context.Context, id, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET note = $1, updated_at = $2 WHERE id = $3`,
		note, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrap(err, "postgres: set alert note")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "alert %s", id)
	}
	return nil
}

// AppendAttempt records a new delivery attempt.
func (s *PostgresStore) AppendAttempt(ctx context.Context, at model.DeliveryAttempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_attempts (id, alert_id, contact_id, tier, channel, sent_at, result, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		at.ID, at.AlertID, at.ContactID, at.Tier, at.Channel, at.SentAt, string(at.Result), at.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert attempt")
	}
	return nil
}

// UpdateAttemptResult updates an attempt's result from a non-terminal one.
func (s *PostgresStore) UpdateAttemptResult(ctx context.Context, attemptID string, result model.AttemptResult) error {
	args := []any{string(result), time.Now().UTC(), attemptID}
	for _, r := range attemptUpdatableResults {
		args = append(args, string(r))
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE delivery_attempts SET result = $1, updated_at = $2 WHERE id = $3 AND result IN (`+pgPlaceholders(4, len(attemptUpdatableResults))+`)`,
		args...)
	if err != nil {
		return eris.Wrap(err, "postgres: update attempt")
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT result FROM delivery_attempts WHERE id = $1`, attemptID).Scan(&current)
		if err == pgx.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "attempt %s", attemptID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: read attempt result")
		}
		return eris.Wrapf(ErrInvalidTransition, "attempt %s: %s -> %s", attemptID, current, result)
	}
	return nil
}

// GetAttempt loads a single delivery attempt.
func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*model.DeliveryAttempt, error) {
	var at model.DeliveryAttempt
	var result string
	err := s.pool.QueryRow(ctx,
		`SELECT id, alert_id, contact_id, tier, channel, sent_at, result, updated_at
		 FROM delivery_attempts WHERE id = $1`, id).
		Scan(&at.ID, &at.AlertID, &at.ContactID, &at.Tier, &at.Channel, &at.SentAt, &result, &at.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get attempt")
	}
	at.Result = model.AttemptResult(result)
	return &at, nil
}

// RecordSuppressedTrigger writes the audit row for a deduplicated trigger.
func (s *PostgresStore) RecordSuppressedTrigger(ctx context.Context, sup model.SuppressedTrigger) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO suppressed_triggers (id, user_id, alert_id, signal_report_id, kind, suppressed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sup.ID, sup.UserID, sup.AlertID, sup.SignalReportID, string(sup.Kind), sup.SuppressedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: insert suppressed trigger")
	}
	return nil
}

// ListSuppressedTriggers returns the triggers folded into an alert.
func (s *PostgresStore) ListSuppressedTriggers(ctx context.Context, alertID string) ([]model.SuppressedTrigger, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, alert_id, signal_report_id, kind, suppressed_at
		 FROM suppressed_triggers WHERE alert_id = $1 ORDER BY suppressed_at`, alertID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suppressed triggers")
	}
	defer rows.Close()

	var out []model.SuppressedTrigger
	for rows.Next() {
		var sup model.SuppressedTrigger
		var kind string
		if err := rows.Scan(&sup.ID, &sup.UserID, &sup.AlertID, &sup.SignalReportID, &kind, &sup.SuppressedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan suppressed trigger")
		}
		sup.Kind = model.SignalKind(kind)
		out = append(out, sup)
	}
	return out, rows.Err()
}

// CreateRouteTrack inserts a new track, rejecting it if the user already
// has one in a non-terminal state.
func (s *PostgresStore) CreateRouteTrack(ctx context.Context, t model.RouteTrack) error {
	active, err := s.ActiveRouteTrack(ctx, t.UserID)
	if err != nil {
		return err
	}
	if active != nil {
		return eris.Wrapf(ErrActiveTrackExists, "user %s has active track %s", t.UserID, active.ID)
	}

	path, err := json.Marshal(t.PlannedPath)
	if err != nil {
		return eris.Wrap(err, "postgres: encode planned path")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO route_tracks (id, user_id, planned_path, state, started_at, expires_at, updated_at, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, string(path), string(t.State), t.StartedAt, t.ExpiresAt, t.UpdatedAt, t.Note)
	if err != nil {
		return eris.Wrap(err, "postgres: insert route track")
	}
	return nil
}

func scanPGTrack(scan func(...any) error) (model.RouteTrack, error) {
	var t model.RouteTrack
	var path []byte
	var state string
	if err := scan(&t.ID, &t.UserID, &path, &state, &t.StartedAt, &t.ExpiresAt, &t.UpdatedAt, &t.Note); err != nil {
		return t, err
	}
	if err := json.Unmarshal(path, &t.PlannedPath); err != nil {
		return t, err
	}
	t.State = model.RouteTrackState(state)
	return t, nil
}

// GetRouteTrack loads a track by ID.
func (s *PostgresStore) GetRouteTrack(ctx context.Context, id string) (*model.RouteTrack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE id = $1`, id)
	t, err := scanPGTrack(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "route track %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get route track")
	}
	return &t, nil
}

// ActiveRouteTrack returns the user's non-terminal track, or nil.
func (s *PostgresStore) ActiveRouteTrack(ctx context.Context, userID string) (*model.RouteTrack, error) {
	args := []any{userID}
	for _, st := range openTrackStates {
		args = append(args, string(st))
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE user_id = $1 AND state IN (`+pgPlaceholders(2, len(openTrackStates))+`) LIMIT 1`,
		args...)
	t, err := scanPGTrack(row.Scan)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active route track")
	}
	return &t, nil
}

// TransitionRouteTrack moves a non-terminal track to a new state.
func (s *PostgresStore) TransitionRouteTrack(ctx context.Context, id string, to model.RouteTrackState, note string) error {
	query := `UPDATE route_tracks SET state = $1, updated_at = $2 WHERE id = $3 AND state IN (` + pgPlaceholders(4, len(openTrackStates)) + `)`
	args := []any{string(to), time.Now().UTC(), id}
	if note != "" {
		query = `UPDATE route_tracks SET state = $1, note = $2, updated_at = $3 WHERE id = $4 AND state IN (` + pgPlaceholders(5, len(openTrackStates)) + `)`
		args = []any{string(to), note, time.Now().UTC(), id}
	}
	for _, st := range openTrackStates {
		args = append(args, string(st))
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "postgres: transition route track")
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT state FROM route_tracks WHERE id = $1`, id).Scan(&current)
		if err == pgx.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "route track %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: read route track state")
		}
		return eris.Wrapf(ErrInvalidTransition, "route track %s: %s -> %s", id, current, to)
	}
	return nil
}

// ListOpenRouteTracks returns all non-terminal tracks across users.
func (s *PostgresStore) ListOpenRouteTracks(ctx context.Context) ([]model.RouteTrack, error) {
	args := make([]any, len(openTrackStates))
	for i, st := range openTrackStates {
		args[i] = string(st)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE state IN (`+pgPlaceholders(1, len(openTrackStates))+`) ORDER BY started_at`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open route tracks")
	}
	defer rows.Close()

	var tracks []model.RouteTrack
	for rows.Next() {
		t, err := scanPGTrack(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan route track")
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// InsertIncident stores a historical incident record.
func (s *PostgresStore) InsertIncident(ctx context.Context, inc model.Incident) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO incidents (id, lat, lng, type, severity, occurred_at, source)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inc.ID, inc.Location.Lat, inc.Location.Lng, inc.Type, inc.Severity, inc.OccurredAt, inc.Source)
	if err != nil {
		return eris.Wrap(err, "postgres: insert incident")
	}
	return nil
}

// IncidentsInBBox returns incidents inside the bounding box that occurred
// at or after since.
func (s *PostgresStore) IncidentsInBBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64, since time.Time) ([]model.Incident, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, lat, lng, type, severity, occurred_at, source
		 FROM incidents
		 WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4 AND occurred_at >= $5
		 ORDER BY occurred_at DESC`,
		minLat, maxLat, minLng, maxLng, since)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: incidents in bbox")
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		var inc model.Incident
		if err := rows.Scan(&inc.ID, &inc.Location.Lat, &inc.Location.Lng, &inc.Type, &inc.Severity, &inc.OccurredAt, &inc.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan incident")
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
