package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/lifeline-app/lifeline/internal/model"
)

// SQLiteStore is the embedded single-node backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	// Single writer; WAL keeps readers unblocked during dispatch bursts.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}

	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contacts (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	name          TEXT NOT NULL,
	phone         TEXT NOT NULL,
	relation      TEXT NOT NULL DEFAULT '',
	priority_tier INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_user_tier ON contacts(user_id, priority_tier);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	lat         REAL,
	lng         REAL,
	signal_kind TEXT NOT NULL,
	confidence  REAL NOT NULL,
	status      TEXT NOT NULL,
	note        TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_user_created ON alerts(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

CREATE TABLE IF NOT EXISTS delivery_attempts (
	id         TEXT PRIMARY KEY,
	alert_id   TEXT NOT NULL REFERENCES alerts(id),
	contact_id TEXT NOT NULL,
	tier       INTEGER NOT NULL,
	channel    TEXT NOT NULL,
	sent_at    TEXT NOT NULL,
	result     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_alert ON delivery_attempts(alert_id);

CREATE TABLE IF NOT EXISTS suppressed_triggers (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	alert_id         TEXT NOT NULL REFERENCES alerts(id),
	signal_report_id TEXT NOT NULL,
	kind             TEXT NOT NULL,
	suppressed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suppressed_alert ON suppressed_triggers(alert_id);

CREATE TABLE IF NOT EXISTS route_tracks (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	planned_path TEXT NOT NULL,
	state        TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	expires_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tracks_user_state ON route_tracks(user_id, state);

CREATE TABLE IF NOT EXISTS incidents (
	id          TEXT PRIMARY KEY,
	lat         REAL NOT NULL,
	lng         REAL NOT NULL,
	type        TEXT NOT NULL,
	severity    INTEGER NOT NULL,
	occurred_at TEXT NOT NULL,
	source      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_incidents_loc ON incidents(lat, lng);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// AddContact inserts an emergency contact.
func (s *SQLiteStore) AddContact(ctx context.Context, c model.Contact) error {
	if c.PriorityTier < 1 {
		return eris.Wrapf(ErrInvalidTier, "contact %s has tier %d", c.ID, c.PriorityTier)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, user_id, name, phone, relation, priority_tier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Phone, c.Relation, c.PriorityTier, fmtTime(c.CreatedAt))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert contact")
	}
	return nil
}

// ListContacts returns a user's contacts ordered by tier, then creation.
func (s *SQLiteStore) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, phone, relation, priority_tier, created_at
		 FROM contacts WHERE user_id = ? ORDER BY priority_tier, created_at`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		var c model.Contact
		var createdAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.Relation, &c.PriorityTier, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		c.CreatedAt = parseTime(createdAt)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// CreateAlert inserts a new alert.
func (s *SQLiteStore) CreateAlert(ctx context.Context, a model.Alert) error {
	var lat, lng sql.NullFloat64
	if a.Location != nil {
		lat = sql.NullFloat64{Float64: a.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: a.Location.Lng, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, user_id, lat, lng, signal_kind, confidence, status, note, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, lat, lng, string(a.Kind), a.Confidence, string(a.Status), a.Note,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert alert")
	}
	return nil
}

func scanAlert(scan func(...any) error) (model.Alert, error) {
	var a model.Alert
	var lat, lng sql.NullFloat64
	var kind, status, createdAt, updatedAt string
	if err := scan(&a.ID, &a.UserID, &lat, &lng, &kind, &a.Confidence, &status, &a.Note, &createdAt, &updatedAt); err != nil {
		return a, err
	}
	if lat.Valid {
		a.Location = &model.LatLng{Lat: lat.Float64, Lng: lng.Float64}
	}
	a.Kind = model.SignalKind(kind)
	a.Status = model.AlertStatus(status)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

const alertColumns = `id, user_id, lat, lng, signal_kind, confidence, status, note, created_at, updated_at`

// GetAlert loads an alert with its delivery attempts.
func (s *SQLiteStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "alert %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get alert")
	}

	attempts, err := s.attemptsForAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	a.Attempts = attempts
	return &a, nil
}

func (s *SQLiteStore) attemptsForAlert(ctx context.Context, alertID string) ([]model.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, alert_id, contact_id, tier, channel, sent_at, result, updated_at
		 FROM delivery_attempts WHERE alert_id = ? ORDER BY tier, sent_at`, alertID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var at model.DeliveryAttempt
		var sentAt, updatedAt, result string
		if err := rows.Scan(&at.ID, &at.AlertID, &at.ContactID, &at.Tier, &at.Channel, &sentAt, &result, &updatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		at.SentAt = parseTime(sentAt)
		at.UpdatedAt = parseTime(updatedAt)
		at.Result = model.AttemptResult(result)
		attempts = append(attempts, at)
	}
	return attempts, rows.Err()
}

func (s *SQLiteStore) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query alerts")
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ListAlerts returns a user's alerts, newest first. Attempts are not
// loaded; use GetAlert for the full record.
func (s *SQLiteStore) ListAlerts(ctx context.Context, userID string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
}

// ListAlertsByStatus returns alerts in any of the given statuses.
func (s *SQLiteStore) ListAlertsByStatus(ctx context.Context, statuses ...model.AlertStatus) ([]model.Alert, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY created_at`,
		args...)
}

// RecentAlerts returns alerts created at or after since, oldest first.
func (s *SQLiteStore) RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE created_at >= ? ORDER BY created_at`,
		fmtTime(since))
}

// TransitionAlert moves an alert to a new status. The update is conditional
// on the current status being a legal predecessor, so concurrent writers
// and terminal states are handled in one statement.
func (s *SQLiteStore) TransitionAlert(ctx context.Context, id string, to model.AlertStatus) error {
	sources := model.TransitionSources(to)
	if len(sources) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "no status may transition to %s", to)
	}
	args := []any{string(to), fmtTime(time.Now()), id}
	for _, src := range sources {
		args = append(args, string(src))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders(len(sources))+`)`,
		args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: transition alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: transition alert rows")
	}
	if n == 0 {
		return s.classifyAlertConflict(ctx, id, to)
	}
	return nil
}

func (s *SQLiteStore) classifyAlertConflict(ctx context.Context, id string, to model.AlertStatus) error {
	var current string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "alert %s", id)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read alert status")
	}
	return eris.Wrapf(ErrInvalidTransition, "alert %s: %s -> %s", id, current, to)
}

// SetAlertNote replaces the alert's note.
func (s *SQLiteStore) SetAlertNote(ctx context.Context, id, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET note = ?, updated_at = ? WHERE id = ?`,
		note, fmtTime(time.Now()), id)
	if err != nil {
		return eris.Wrap(err, "sqlite: set alert note")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrNotFound, "alert %s", id)
	}
	return nil
}

// AppendAttempt records a new delivery attempt. Attempts are append-only.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, at model.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (id, alert_id, contact_id, tier, channel, sent_at, result, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		at.ID, at.AlertID, at.ContactID, at.Tier, at.Channel,
		fmtTime(at.SentAt), string(at.Result), fmtTime(at.UpdatedAt))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert attempt")
	}
	return nil
}

// UpdateAttemptResult updates an attempt's result. Terminal results are
// immutable; the update only applies from PENDING or DELIVERED.
func (s *SQLiteStore) UpdateAttemptResult(ctx context.Context, attemptID string, result model.AttemptResult) error {
	args := []any{string(result), fmtTime(time.Now()), attemptID}
	for _, r := range attemptUpdatableResults {
		args = append(args, string(r))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_attempts SET result = ?, updated_at = ? WHERE id = ? AND result IN (`+placeholders(len(attemptUpdatableResults))+`)`,
		args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: update attempt")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update attempt rows")
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT result FROM delivery_attempts WHERE id = ?`, attemptID).Scan(&current)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "attempt %s", attemptID)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: read attempt result")
		}
		return eris.Wrapf(ErrInvalidTransition, "attempt %s: %s -> %s", attemptID, current, result)
	}
	return nil
}

// GetAttempt loads a single delivery attempt.
func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.DeliveryAttempt, error) {
	var at model.DeliveryAttempt
	var sentAt, updatedAt, result string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, alert_id, contact_id, tier, channel, sent_at, result, updated_at
		 FROM delivery_attempts WHERE id = ?`, id).
		Scan(&at.ID, &at.AlertID, &at.ContactID, &at.Tier, &at.Channel, &sentAt, &result, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "attempt %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get attempt")
	}
	at.SentAt = parseTime(sentAt)
	at.UpdatedAt = parseTime(updatedAt)
	at.Result = model.AttemptResult(result)
	return &at, nil
}

// RecordSuppressedTrigger writes the audit row for a deduplicated trigger.
func (s *SQLiteStore) RecordSuppressedTrigger(ctx context.Context, sup model.SuppressedTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO suppressed_triggers (id, user_id, alert_id, signal_report_id, kind, suppressed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sup.ID, sup.UserID, sup.AlertID, sup.SignalReportID, string(sup.Kind), fmtTime(sup.SuppressedAt))
	if err != nil {
		return eris.Wrap(err, "sqlite: insert suppressed trigger")
	}
	return nil
}

// ListSuppressedTriggers returns the triggers folded into an alert.
func (s *SQLiteStore) ListSuppressedTriggers(ctx context.Context, alertID string) ([]model.SuppressedTrigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, alert_id, signal_report_id, kind, suppressed_at
		 FROM suppressed_triggers WHERE alert_id = ? ORDER BY suppressed_at`, alertID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suppressed triggers")
	}
	defer rows.Close()

	var out []model.SuppressedTrigger
	for rows.Next() {
		var sup model.SuppressedTrigger
		var kind, suppressedAt string
		if err := rows.Scan(&sup.ID, &sup.UserID, &sup.AlertID, &sup.SignalReportID, &kind, &suppressedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan suppressed trigger")
		}
		sup.Kind = model.SignalKind(kind)
		sup.SuppressedAt = parseTime(suppressedAt)
		out = append(out, sup)
	}
	return out, rows.Err()
}

// CreateRouteTrack inserts a new track, rejecting it if the user already
// has one in a non-terminal state. Callers serialize per user.
func (s *SQLiteStore) CreateRouteTrack(ctx context.Context, t model.RouteTrack) error {
	active, err := s.ActiveRouteTrack(ctx, t.UserID)
	if err != nil {
		return err
	}
	if active != nil {
		return eris.Wrapf(ErrActiveTrackExists, "user %s has active track %s", t.UserID, active.ID)
	}

	path, err := json.Marshal(t.PlannedPath)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode planned path")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO route_tracks (id, user_id, planned_path, state, started_at, expires_at, updated_at, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(path), string(t.State),
		fmtTime(t.StartedAt), fmtTime(t.ExpiresAt), fmtTime(t.UpdatedAt), t.Note)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert route track")
	}
	return nil
}

func scanTrack(scan func(...any) error) (model.RouteTrack, error) {
	var t model.RouteTrack
	var path, state, startedAt, expiresAt, updatedAt string
	if err := scan(&t.ID, &t.UserID, &path, &state, &startedAt, &expiresAt, &updatedAt, &t.Note); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(path), &t.PlannedPath); err != nil {
		return t, err
	}
	t.State = model.RouteTrackState(state)
	t.StartedAt = parseTime(startedAt)
	t.ExpiresAt = parseTime(expiresAt)
	t.UpdatedAt = parseTime(updatedAt)
	return t, nil
}

const trackColumns = `id, user_id, planned_path, state, started_at, expires_at, updated_at, note`

// GetRouteTrack loads a track by ID.
func (s *SQLiteStore) GetRouteTrack(ctx context.Context, id string) (*model.RouteTrack, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE id = ?`, id)
	t, err := scanTrack(row.Scan)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "route track %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get route track")
	}
	return &t, nil
}

// ActiveRouteTrack returns the user's non-terminal track, or nil.
func (s *SQLiteStore) ActiveRouteTrack(ctx context.Context, userID string) (*model.RouteTrack, error) {
	args := []any{userID}
	for _, st := range openTrackStates {
		args = append(args, string(st))
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE user_id = ? AND state IN (`+placeholders(len(openTrackStates))+`) LIMIT 1`,
		args...)
	t, err := scanTrack(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active route track")
	}
	return &t, nil
}

// TransitionRouteTrack moves a track to a new state. Only non-terminal
// tracks may move; a non-empty note replaces the stored one.
func (s *SQLiteStore) TransitionRouteTrack(ctx context.Context, id string, to model.RouteTrackState, note string) error {
	query := `UPDATE route_tracks SET state = ?, updated_at = ? WHERE id = ? AND state IN (` + placeholders(len(openTrackStates)) + `)`
	args := []any{string(to), fmtTime(time.Now()), id}
	if note != "" {
		query = `UPDATE route_tracks SET state = ?, note = ?, updated_at = ? WHERE id = ? AND state IN (` + placeholders(len(openTrackStates)) + `)`
		args = []any{string(to), note, fmtTime(time.Now()), id}
	}
	for _, st := range openTrackStates {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: transition route track")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: transition route track rows")
	}
	if n == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT state FROM route_tracks WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return eris.Wrapf(ErrNotFound, "route track %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: read route track state")
		}
		return eris.Wrapf(ErrInvalidTransition, "route track %s: %s -> %s", id, current, to)
	}
	return nil
}

// ListOpenRouteTracks returns all non-terminal tracks across users.
func (s *SQLiteStore) ListOpenRouteTracks(ctx context.Context) ([]model.RouteTrack, error) {
	args := make([]any, len(openTrackStates))
	for i, st := range openTrackStates {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trackColumns+` FROM route_tracks WHERE state IN (`+placeholders(len(openTrackStates))+`) ORDER BY started_at`,
		args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open route tracks")
	}
	defer rows.Close()

	var tracks []model.RouteTrack
	for rows.Next() {
		t, err := scanTrack(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan route track")
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// InsertIncident stores a historical incident record.
func (s *SQLiteStore) InsertIncident(ctx context.Context, inc model.Incident) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, lat, lng, type, severity, occurred_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Location.Lat, inc.Location.Lng, inc.Type, inc.Severity,
		fmtTime(inc.OccurredAt), inc.Source)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert incident")
	}
	return nil
}

// IncidentsInBBox returns incidents inside the bounding box that occurred
// at or after since. Callers refine by true distance.
func (s *SQLiteStore) IncidentsInBBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64, since time.Time) ([]model.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lat, lng, type, severity, occurred_at, source
		 FROM incidents
		 WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ? AND occurred_at >= ?
		 ORDER BY occurred_at DESC`,
		minLat, maxLat, minLng, maxLng, fmtTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: incidents in bbox")
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		var inc model.Incident
		var occurredAt string
		if err := rows.Scan(&inc.ID, &inc.Location.Lat, &inc.Location.Lng, &inc.Type, &inc.Severity, &occurredAt, &inc.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan incident")
		}
		inc.OccurredAt = parseTime(occurredAt)
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}
