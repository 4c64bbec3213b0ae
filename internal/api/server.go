package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gymflow/internal/domain"
	"gymflow/internal/jobs"
	"gymflow/internal/metrics"
	"gymflow/internal/nurture"
	"gymflow/internal/store"
)

// Server exposes the webhook intake and diagnostics endpoints. Handlers
// persist and enqueue, then return; nothing here waits on a scheduled
// action's execution.
type Server struct {
	orc    *nurture.Orchestrator
	sched  *jobs.Scheduler
	repo   store.Repository
	secret string
	log    zerolog.Logger
}

func NewServer(orc *nurture.Orchestrator, sched *jobs.Scheduler, repo store.Repository, webhookSecret string, log zerolog.Logger) http.Handler {
	s := &Server{orc: orc, sched: sched, repo: repo, secret: webhookSecret, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhooks/lead-created", s.leadCreated)
	r.Post("/webhooks/membership-created", s.membershipCreated)
	r.Post("/api/leads/unsubscribe", s.unsubscribe)

	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{id}", s.getJob)
	r.Delete("/api/jobs/{id}", s.cancelJob)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// verifySignature checks the HMAC-SHA256 signature header against the raw
// body. An empty configured secret disables verification.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if s.secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// checkEvent validates the event id and answers replays of an event that was
// already processed. Returns ok=false after writing the response. The event
// is recorded only after processing succeeds (recordEvent), so a failed
// attempt stays replayable instead of being swallowed as a duplicate.
func (s *Server) checkEvent(w http.ResponseWriter, r *http.Request, eventType, eventID string) bool {
	metrics.WebhookReceived(eventType)

	if eventID == "" {
		http.Error(w, "event_id is required", http.StatusBadRequest)
		return false
	}
	seen, err := s.repo.WebhookSeen(r.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("failed to check webhook log")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	if seen {
		s.log.Info().Str("event_id", eventID).Str("event_type", eventType).Msg("duplicate webhook event")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "event_id": eventID})
		return false
	}
	return true
}

func (s *Server) recordEvent(ctx context.Context, eventType, eventID string, body []byte) {
	if _, err := s.repo.LogWebhook(ctx, domain.WebhookLogEntry{
		EventType:  eventType,
		EventID:    eventID,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		s.log.Error().Err(err).Str("event_id", eventID).Msg("failed to log webhook")
	}
}

type leadCreatedReq struct {
	EventID      string    `json:"event_id"`
	LeadID       string    `json:"lead_id"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	InterestedIn string    `json:"interested_in"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Server) leadCreated(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var req leadCreatedReq
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LeadID == "" || req.Email == "" {
		http.Error(w, "lead_id and email are required", http.StatusBadRequest)
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	if !s.checkEvent(w, r, "lead-created", req.EventID) {
		return
	}

	err := s.orc.OnLeadCreated(r.Context(), nurture.LeadCreatedEvent{
		LeadID:       req.LeadID,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		Phone:        req.Phone,
		InterestedIn: req.InterestedIn,
		CreatedAt:    req.CreatedAt,
	})
	if err != nil {
		s.log.Error().Err(err).Str("lead_id", req.LeadID).Msg("failed to process lead created event")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.recordEvent(r.Context(), "lead-created", req.EventID, body)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "lead_id": req.LeadID})
}

type membershipCreatedReq struct {
	EventID        string    `json:"event_id"`
	ClientID       string    `json:"client_id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Email          string    `json:"email"`
	Phone          string    `json:"phone"`
	MembershipType string    `json:"membership_type"`
	MonthlyPrice   float64   `json:"monthly_price"`
	StartDate      time.Time `json:"start_date"`
}

func (s *Server) membershipCreated(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readSignedBody(w, r)
	if !ok {
		return
	}
	var req membershipCreatedReq
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ClientID == "" || req.Email == "" {
		http.Error(w, "client_id and email are required", http.StatusBadRequest)
		return
	}
	if req.StartDate.IsZero() {
		req.StartDate = time.Now().UTC()
	}
	if !s.checkEvent(w, r, "membership-created", req.EventID) {
		return
	}

	err := s.orc.OnMembershipCreated(r.Context(), nurture.MembershipCreatedEvent{
		ClientID:       req.ClientID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		Email:          req.Email,
		Phone:          req.Phone,
		MembershipType: req.MembershipType,
		MonthlyPrice:   req.MonthlyPrice,
		StartDate:      req.StartDate,
	})
	if err != nil {
		s.log.Error().Err(err).Str("client_id", req.ClientID).Msg("failed to process membership created event")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.recordEvent(r.Context(), "membership-created", req.EventID, body)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "client_id": req.ClientID})
}

func (s *Server) readSignedBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if !s.verifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		s.log.Warn().Str("path", r.URL.Path).Msg("invalid webhook signature")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

type unsubscribeReq struct {
	LeadID string `json:"lead_id"`
	Email  string `json:"email"`
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.LeadID == "" && req.Email == "" {
		http.Error(w, "lead_id or email is required", http.StatusBadRequest)
		return
	}

	if err := s.orc.OnOptOut(r.Context(), req.LeadID, req.Email); err != nil {
		s.log.Error().Err(err).Msg("failed to process opt-out")
	}
	// Always report success so the endpoint can't be used to probe addresses.
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type jobResp struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	EntityID     string `json:"entity_id"`
	State        string `json:"state"`
	RunAt        string `json:"run_at"`
	MisfireGrace int    `json:"misfire_grace_seconds"`
	LastError    string `json:"last_error,omitempty"`
}

func toJobResp(j domain.Job) jobResp {
	return jobResp{
		ID:           j.ID,
		Kind:         string(j.Kind),
		EntityID:     j.EntityID,
		State:        string(j.State),
		RunAt:        j.RunAt.UTC().Format(time.RFC3339),
		MisfireGrace: int(j.MisfireGrace.Seconds()),
		LastError:    j.LastError,
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		list []domain.Job
		err  error
	)
	if entity := r.URL.Query().Get("entity_id"); entity != "" {
		list, err = s.sched.ListForEntity(r.Context(), entity)
	} else {
		list, err = s.sched.List(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]jobResp, 0, len(list))
	for _, j := range list {
		out = append(out, toJobResp(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.sched.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.sched.Cancel(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": ok})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
