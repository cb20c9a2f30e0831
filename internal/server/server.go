// Package server exposes the detection engine over HTTP for the mobile app.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lifeline-app/lifeline/internal/assist"
	"github.com/lifeline-app/lifeline/internal/config"
	"github.com/lifeline-app/lifeline/internal/engine"
	"github.com/lifeline-app/lifeline/internal/model"
	"github.com/lifeline-app/lifeline/internal/normalize"
	"github.com/lifeline-app/lifeline/internal/riskmap"
	"github.com/lifeline-app/lifeline/internal/route"
	"github.com/lifeline-app/lifeline/internal/store"
	"github.com/lifeline-app/lifeline/internal/trigger"
)

// Server routes API requests to the engine and its supporting services.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	risk    *riskmap.Service
	advisor *assist.Advisor
}

// New builds a Server over already-started components.
func New(cfg config.ServerConfig, eng *engine.Engine, risk *riskmap.Service, advisor *assist.Advisor) *Server {
	return &Server{cfg: cfg, engine: eng, risk: risk, advisor: advisor}
}

// Router assembles the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": "lifeline"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/signals", s.handleSignal)

		r.Post("/routes", s.handleStartRoute)
		r.Post("/routes/{id}/location", s.handleRouteLocation)
		r.Post("/routes/{id}/respond", s.handleRouteRespond)
		r.Get("/routes/{id}", s.handleGetRoute)
		r.Delete("/routes/{id}", s.handleStopRoute)

		r.Get("/contacts", s.handleListContacts)
		r.Post("/contacts", s.handleAddContact)

		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/{id}", s.handleGetAlert)
		r.Post("/alerts/{id}/close", s.handleCloseAlert)
		r.Post("/attempts/{id}/ack", s.handleAckAttempt)

		r.Get("/risk", s.handleRisk)
		r.Post("/chat", s.handleChat)
	})

	return r
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var raw normalize.RawReport
	if err := decodeJSON(r, &raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	decision, err := s.engine.ReportRaw(r.Context(), raw)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, decision)
	case eris.Is(err, engine.ErrContactDirectoryEmpty):
		// The alert was recorded; nobody could be notified.
		writeJSON(w, http.StatusOK, map[string]any{
			"triggered": true,
			"alert_id":  decision.AlertID,
			"warning":   "contact directory empty: no delivery attempted",
		})
	default:
		writeError(w, statusFor(err), err)
	}
}

type startRouteRequest struct {
	UserID    string         `json:"user_id"`
	Path      []model.LatLng `json:"path"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (s *Server) handleStartRoute(w http.ResponseWriter, r *http.Request) {
	var req startRouteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	track, err := s.engine.StartRouteTrack(r.Context(), req.UserID, req.Path, req.ExpiresAt)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, track)
}

func (s *Server) handleRouteLocation(w http.ResponseWriter, r *http.Request) {
	var loc model.LatLng
	if err := decodeJSON(r, &loc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	prompt, err := s.engine.UpdateRouteLocation(r.Context(), chi.URLParam(r, "id"), loc)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if prompt == nil {
		writeJSON(w, http.StatusOK, map[string]any{"on_route": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"on_route": false, "prompt": prompt})
}

func (s *Server) handleRouteRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Safe bool `json:"safe"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.RespondToDeviation(r.Context(), chi.URLParam(r, "id"), req.Safe); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id"), "safe": req.Safe})
}

func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	track, err := s.engine.GetRouteTrack(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

func (s *Server) handleStopRoute(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopRouteTrack(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": chi.URLParam(r, "id"), "state": string(model.TrackResolvedSafe)})
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	contacts, err := s.engine.ListContacts(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": contacts})
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var c model.Contact
	if err := decodeJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, warnings, err := s.engine.AddContact(r.Context(), c)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"contact": added, "warnings": warnings})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id is required"))
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)
	alerts, err := s.engine.ListAlerts(r.Context(), userID, limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.engine.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleCloseAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.CloseAlert(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "CLOSED"})
}

func (s *Server) handleAckAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Acknowledge(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempt_id": id, "result": "ACKED"})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil {
		writeError(w, http.StatusBadRequest, errors.New("lat and lng are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius_m"), 64)

	assessment, err := s.risk.Analyze(r.Context(), model.LatLng{Lat: lat, Lng: lng}, radius)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string        `json:"message"`
		History []assist.Turn `json:"history"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := s.advisor.Chat(r.Context(), req.Message, req.History)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// statusFor maps engine and store sentinels to HTTP statuses.
func statusFor(err error) int {
	switch {
	case eris.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case eris.Is(err, store.ErrInvalidTransition),
		eris.Is(err, store.ErrActiveTrackExists),
		eris.Is(err, route.ErrTrackNotActive):
		return http.StatusConflict
	case eris.Is(err, store.ErrInvalidTier),
		eris.Is(err, trigger.ErrInvalidSignal),
		eris.Is(err, normalize.ErrMalformedReport),
		eris.Is(err, route.ErrInvalidRoute):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		zap.L().Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseLimit(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
