package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/journal"
	"github.com/ubbcluj-cs-club-iot/devicelink/internal/lifecycle"
)

const (
	// defaultListLimit applies when ?limit is absent.
	defaultListLimit = 50

	componentCheckTimeout = 2 * time.Second
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/events", s.handleEvents)
		r.Get("/messages", s.handleMessages)
	})

	return r
}

// Health statuses.
const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

// HealthResponse is the body of /health. Components maps each optional
// component to "ok" or its failure.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Error      string            `json:"error,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// handleHealth answers 200 while the MQTT session is connected and 503
// otherwise. A failing component degrades the status without failing it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     healthOK,
		Version:    s.version,
		Components: s.checkComponents(r.Context()),
	}
	for _, state := range resp.Components {
		if state != healthOK {
			resp.Status = healthDegraded
		}
	}

	if err := s.session.HealthCheck(r.Context()); err != nil {
		resp.Status = healthUnavailable
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// checkComponents runs every component check concurrently, each bounded by
// componentCheckTimeout. It returns nil when no components are registered.
func (s *Server) checkComponents(ctx context.Context) map[string]string {
	if len(s.components) == 0 {
		return nil
	}

	var (
		mu     sync.Mutex
		g      errgroup.Group
		states = make(map[string]string, len(s.components))
	)
	for name, c := range s.components {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, componentCheckTimeout)
			defer cancel()

			state := healthOK
			if err := c.HealthCheck(checkCtx); err != nil {
				state = err.Error()
			}
			mu.Lock()
			states[name] = state
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Checks report through states
	return states
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Version       string              `json:"version"`
	Session       mqtt.Stats          `json:"session"`
	Lifecycle     *LifecycleStatus    `json:"lifecycle,omitempty"`
	Subscriptions []mqtt.Subscription `json:"subscriptions"`
}

// LifecycleStatus reports the controller position.
type LifecycleStatus struct {
	State  lifecycle.State  `json:"state"`
	Reason lifecycle.Reason `json:"reason,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Version:       s.version,
		Session:       s.session.Stats(),
		Subscriptions: s.session.Subscriptions(),
	}
	if resp.Subscriptions == nil {
		resp.Subscriptions = []mqtt.Subscription{}
	}
	if s.lifecycle != nil {
		resp.Lifecycle = &LifecycleStatus{
			State:  s.lifecycle.State(),
			Reason: s.lifecycle.Reason(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNoJournal, "journal not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	events, err := s.journal.RecentEvents(r.Context(), limit)
	if err != nil {
		s.writeJournalError(w, r, "events", err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// MessageView renders a journal message with a text payload.
type MessageView struct {
	ID      int64  `json:"id"`
	At      string `json:"at"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Decoded bool   `json:"decoded"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, r, http.StatusNotFound, ErrCodeNoJournal, "journal not configured")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	msgs, err := s.journal.RecentMessages(r.Context(), limit)
	if err != nil {
		s.writeJournalError(w, r, "messages", err)
		return
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:      m.ID,
			At:      m.At.UTC().Format(timeLayout),
			Topic:   m.Topic,
			Payload: string(m.Payload),
			Decoded: m.Decoded,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": views,
		"count":    len(views),
	})
}

// parseLimit reads ?limit. It writes a 400 and returns false when invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, r, http.StatusBadRequest, ErrCodeInvalidLimit, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
