package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"agenda/internal/config"
	"agenda/internal/ingest"
	appLog "agenda/internal/log"
	"agenda/internal/model"
	"agenda/internal/recurrence"
	"agenda/internal/schedule"
	"agenda/internal/store"
)

// EventStore is the part of the store the API uses.
type EventStore interface {
	ListEvents(ctx context.Context) ([]model.Event, error)
	AddEvent(ctx context.Context, ev *model.Event) error
	UpdateEvent(ctx context.Context, ev *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// Poller runs one reminder poll cycle on demand.
type Poller interface {
	RunCycle(ctx context.Context) (schedule.Report, error)
}

// Server provides the HTTP API: health, occurrence listing, event
// creation/replacement/removal and a manual poll trigger.
type Server struct {
	cfg    *config.Config
	loc    *time.Location
	events EventStore
	poller Poller
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer constructs a new Server. loc is the reference zone.
func NewServer(cfg *config.Config, loc *time.Location, events EventStore, poller Poller) *Server {
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		cfg:    cfg,
		loc:    loc,
		events: events,
		poller: poller,
		mux:    http.NewServeMux(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means auth is off.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="agenda", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/events", s.handleAddEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/poll", s.handlePoll)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type occurrencesResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
	RangeStart  time.Time       `json:"range_start"`
	RangeEnd    time.Time       `json:"range_end"`
	TimeZone    string          `json:"timezone"`
	Errors      []string        `json:"errors,omitempty"`
}

type occurrenceDTO struct {
	EventID     string    `json:"event_id"`
	InstanceKey string    `json:"instance_key"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	AllDay      bool      `json:"all_day"`
	Recurring   bool      `json:"recurring"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// handleOccurrences returns expanded occurrences in a window around now.
//
// GET /api/occurrences?days=14&backfill=0
//   - days:     look-ahead in days (default cfg.ListDays)
//   - backfill: days in the past to include (default 0)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.ListDays)
	if days <= 0 {
		days = s.cfg.ListDays
	}
	backfill := max(parseIntDefault(q.Get("backfill"), 0), 0)

	now := s.now().In(s.loc)
	window := recurrence.Window{From: now.AddDate(0, 0, -backfill), To: now.AddDate(0, 0, days)}

	events, err := s.events.ListEvents(r.Context())
	if err != nil {
		appLog.Error("api occurrences: load events failed", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	occs, errs := schedule.ExpandAll(events, window)
	resp := occurrencesResponse{
		Occurrences: make([]occurrenceDTO, 0, len(occs)),
		RangeStart:  window.From,
		RangeEnd:    window.To,
		TimeZone:    s.loc.String(),
	}
	for _, err := range errs {
		appLog.Warn("api occurrences: event skipped", "err", err)
		resp.Errors = append(resp.Errors, err.Error())
	}
	for _, o := range occs {
		resp.Occurrences = append(resp.Occurrences, occurrenceDTO{
			EventID:     o.EventID(),
			InstanceKey: o.InstanceKey(),
			Title:       o.Event.Title,
			Description: o.Event.Description,
			Location:    o.Event.Location,
			AllDay:      o.Event.AllDay,
			Recurring:   o.Event.Rule != nil,
			Start:       o.Start.In(s.loc),
			End:         o.End.In(s.loc),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAddEvent creates an event from a candidate JSON body.
func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	if err := s.events.AddEvent(r.Context(), &ev); err != nil {
		appLog.Error("api add event failed", err)
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}
	appLog.Info("event added", "event_id", ev.ID, "title", ev.Title)
	writeJSON(w, http.StatusCreated, map[string]string{"id": ev.ID})
}

// handleUpdateEvent replaces an event with the candidate in the body.
func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeEvent(w, r)
	if !ok {
		return
	}
	ev.ID = r.PathValue("id")
	err := s.events.UpdateEvent(r.Context(), &ev)
	switch {
	case errors.Is(err, store.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		appLog.Error("api update event failed", err, "event_id", ev.ID)
		writeError(w, http.StatusInternalServerError, "failed to store event")
	default:
		appLog.Info("event updated", "event_id", ev.ID, "title", ev.Title)
		writeJSON(w, http.StatusOK, map[string]string{"id": ev.ID})
	}
}

// decodeEvent reads a candidate body and validates it, writing the error
// response itself when that fails.
func (s *Server) decodeEvent(w http.ResponseWriter, r *http.Request) (model.Event, bool) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return model.Event{}, false
	}
	c, err := ingest.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.Event{}, false
	}
	ev, err := c.Event(s.loc)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return model.Event{}, false
	}
	return ev, true
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.events.DeleteEvent(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrEventNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case err != nil:
		appLog.Error("api delete event failed", err, "event_id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type pollResponse struct {
	Events        int `json:"events"`
	Occurrences   int `json:"occurrences"`
	Emitted       int `json:"emitted"`
	EmitFailed    int `json:"emit_failed"`
	PersistFailed int `json:"persist_failed"`
	EventErrors   int `json:"event_errors"`
}

// handlePoll triggers a poll cycle, sharing any cycle already running.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "poller not running")
		return
	}
	// A client hanging up must not abort deliveries mid-cycle.
	rep, err := s.poller.RunCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		appLog.Error("api poll failed", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pollResponse(rep))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
