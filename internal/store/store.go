// Package store persists contacts, alerts, delivery attempts, route tracks
// and incidents. Two backends are provided: SQLite for single-node
// deployments and Postgres for anything shared. Both enforce the alert and
// route-track state machines at the SQL level with conditional updates, so
// a crashed or racing writer can never move a record out of a terminal
// state.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/lifeline-app/lifeline/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrInvalidTransition is returned when a status update is not allowed
	// from the record's current state.
	ErrInvalidTransition = eris.New("store: invalid state transition")

	// ErrActiveTrackExists is returned when a user already has a route track
	// in a non-terminal state.
	ErrActiveTrackExists = eris.New("store: active route track exists")

	// ErrInvalidTier is returned for contacts with a priority tier below 1.
	ErrInvalidTier = eris.New("store: priority tier must be >= 1")
)

// Pool is the subset of pgxpool.Pool the Postgres store uses. pgxmock
// satisfies it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is the persistence interface shared by both backends.
type Store interface {
	// Contacts
	AddContact(ctx context.Context, c model.Contact) error
	ListContacts(ctx context.Context, userID string) ([]model.Contact, error)

	// Alerts
	CreateAlert(ctx context.Context, a model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, userID string, limit int) ([]model.Alert, error)
	ListAlertsByStatus(ctx context.Context, statuses ...model.AlertStatus) ([]model.Alert, error)
	RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error)
	TransitionAlert(ctx context.Context, id string, to model.AlertStatus) error
	SetAlertNote(ctx context.Context, id, note string) error

	// Delivery attempts
	AppendAttempt(ctx context.Context, attempt model.DeliveryAttempt) error
	UpdateAttemptResult(ctx context.Context, attemptID string, result model.AttemptResult) error
	GetAttempt(ctx context.Context, id string) (*model.DeliveryAttempt, error)

	// Suppressed triggers
	RecordSuppressedTrigger(ctx context.Context, s model.SuppressedTrigger) error
	ListSuppressedTriggers(ctx context.Context, alertID string) ([]model.SuppressedTrigger, error)

	// Route tracks
	CreateRouteTrack(ctx context.Context, t model.RouteTrack) error
	GetRouteTrack(ctx context.Context, id string) (*model.RouteTrack, error)
	ActiveRouteTrack(ctx context.Context, userID string) (*model.RouteTrack, error)
	TransitionRouteTrack(ctx context.Context, id string, to model.RouteTrackState, note string) error
	ListOpenRouteTracks(ctx context.Context) ([]model.RouteTrack, error)

	// Incidents
	InsertIncident(ctx context.Context, inc model.Incident) error
	IncidentsInBBox(ctx context.Context, minLat, maxLat, minLng, maxLng float64, since time.Time) ([]model.Incident, error)

	Migrate(ctx context.Context) error
	Close() error
}

// attemptUpdatableResults are the non-terminal results an attempt may be
// updated from. Terminal results never change.
var attemptUpdatableResults = []model.AttemptResult{
	model.AttemptPending,
	model.AttemptDelivered,
}

// openTrackStates are the non-terminal route track states.
var openTrackStates = []model.RouteTrackState{
	model.TrackTracking,
	model.TrackAwaiting,
}
