// Package api is the HTTP boundary: the Telegram webhook on the write side
// and the admin read/override API on top of the audit trail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saqshy/saqshy/internal/audit"
	"github.com/saqshy/saqshy/internal/breaker"
	"github.com/saqshy/saqshy/internal/config"
	"github.com/saqshy/saqshy/internal/pipeline"
	"github.com/saqshy/saqshy/internal/pkg/logger"
	"github.com/saqshy/saqshy/internal/repository/postgres"
	"github.com/saqshy/saqshy/internal/types"
)

// Moderator runs one message through the decision pipeline.
type Moderator interface {
	Process(ctx context.Context, msg *types.MessageContext) (*pipeline.Result, error)
}

// MessageStore is the slice of the cache the webhook touches directly.
type MessageStore interface {
	SetJoinTime(ctx context.Context, chatID, userID int64, ts time.Time) error
	RecordMessage(ctx context.Context, chatID, userID int64, ts time.Time) error
	MarkAdminMessage(ctx context.Context, chatID, messageID int64)
}

// GroupStore persists per-group settings edited through the admin API.
type GroupStore interface {
	Settings(ctx context.Context, chatID int64) (config.GroupSettings, error)
	Upsert(ctx context.Context, chatID int64, s config.GroupSettings) error
}

// SandboxReleaser lifts a user's sandbox on explicit admin action.
type SandboxReleaser interface {
	AdminRelease(ctx context.Context, chatID, userID int64) error
}

// Deps carries the server's collaborators. Groups may be nil when settings
// live only in the config file; the settings endpoints then answer 503.
type Deps struct {
	Pipeline      Moderator
	KV            MessageStore
	Trail         *audit.Trail
	Breakers      *breaker.Registry
	Groups        GroupStore
	Trust         SandboxReleaser
	WebhookSecret string
}

// Server serves the webhook, health, metrics, and admin routes.
type Server struct {
	pipeline      Moderator
	kv            MessageStore
	trail         *audit.Trail
	breakers      *breaker.Registry
	groups        GroupStore
	trust         SandboxReleaser
	webhookSecret string
}

// NewServer creates the HTTP server front.
func NewServer(deps Deps) *Server {
	return &Server{
		pipeline:      deps.Pipeline,
		kv:            deps.KV,
		trail:         deps.Trail,
		breakers:      deps.Breakers,
		groups:        deps.Groups,
		trust:         deps.Trust,
		webhookSecret: deps.WebhookSecret,
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/webhook/telegram", s.HandleWebhook)
	r.Get("/healthz", s.HandleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/decisions/{decisionID}", func(r chi.Router) {
			r.Get("/", s.HandleGetDecision)
			r.Post("/override", s.HandleOverride)
		})
		r.Route("/groups/{chatID}", func(r chi.Router) {
			r.Get("/decisions", s.HandleGroupDecisions)
			r.Get("/users/{userID}/decisions", s.HandleUserDecisions)
			r.Post("/users/{userID}/release", s.HandleReleaseUser)
			r.Get("/stats", s.HandleGroupStats)
			r.Get("/settings", s.HandleGetSettings)
			r.Put("/settings", s.HandlePutSettings)
		})
	})
	return r
}

// HandleHealth reports breaker states. Any non-closed breaker flips the
// status to degraded but the endpoint still answers 200; liveness and
// degradation are different questions.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	states := map[string]string{}
	status := "ok"
	if s.breakers != nil {
		states = s.breakers.States()
		if len(s.breakers.OpenBreakers()) > 0 {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"breakers": states,
	})
}

// HandleGetDecision returns one audit record by its correlation ID.
func (s *Server) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")
	d, err := s.trail.Decision(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "decision not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "decision lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleGroupDecisions lists a group's decisions, newest first. Supports
// verdict, since, until, limit, and offset query parameters.
func (s *Server) HandleGroupDecisions(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	f, ferr := parseFilter(r)
	if ferr != nil {
		writeError(w, http.StatusBadRequest, ferr.Error())
		return
	}
	decisions, total, err := s.trail.ByGroup(r.Context(), chatID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decision listing failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Decisions: decisions,
		Total:     total,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
}

// HandleUserDecisions lists one user's decisions within a group.
func (s *Server) HandleUserDecisions(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	userID, ok := pathInt64(w, r, "userID")
	if !ok {
		return
	}
	f, ferr := parseFilter(r)
	if ferr != nil {
		writeError(w, http.StatusBadRequest, ferr.Error())
		return
	}
	decisions, total, err := s.trail.ByUser(r.Context(), chatID, userID, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "decision listing failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Decisions: decisions,
		Total:     total,
		Limit:     f.Limit,
		Offset:    f.Offset,
	})
}

type overrideRequest struct {
	AdminID   int64  `json:"admin_id"`
	Reason    string `json:"reason"`
	NewAction string `json:"new_action,omitempty"`
}

// HandleOverride records an admin correction on a stored decision. The
// record is updated in place; it is never deleted.
func (s *Server) HandleOverride(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decisionID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad override payload")
		return
	}
	if req.AdminID == 0 {
		writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	if err := s.trail.RecordOverride(r.Context(), id, req.AdminID, req.Reason, req.NewAction); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "decision not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "override failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "decision_id": id})
}

type releaseRequest struct {
	AdminID int64  `json:"admin_id"`
	Reason  string `json:"reason"`
}

// HandleReleaseUser lifts a user's sandbox early on an admin's request.
// Releasing a user with no active sandbox is a no-op and still answers ok.
func (s *Server) HandleReleaseUser(w http.ResponseWriter, r *http.Request) {
	if s.trust == nil {
		writeError(w, http.StatusServiceUnavailable, "trust state storage disabled")
		return
	}
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	userID, ok := pathInt64(w, r, "userID")
	if !ok {
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad release payload")
		return
	}
	if req.AdminID == 0 {
		writeError(w, http.StatusBadRequest, "admin_id is required")
		return
	}

	if err := s.trust.AdminRelease(r.Context(), chatID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "release failed")
		return
	}
	logger.Info("api: sandbox released by admin",
		"chat_id", chatID, "user_id", userID, "admin_id", req.AdminID, "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"chat_id": chatID,
		"user_id": userID,
	})
}

// HandleGroupStats aggregates verdict counts and latency over a window.
// Defaults to the last 24 hours.
func (s *Server) HandleGroupStats(w http.ResponseWriter, r *http.Request) {
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	until := time.Now().UTC()
	since := until.Add(-24 * time.Hour)
	var err error
	if v := r.URL.Query().Get("since"); v != "" {
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if until, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
	}

	stats, err := s.trail.GroupStats(r.Context(), chatID, since, until)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id":          chatID,
		"since":             since,
		"until":             until,
		"total":             stats.Total,
		"by_verdict":        stats.ByVerdict,
		"avg_processing_ms": stats.AvgProcessingMS,
		"llm_used_fraction": stats.LLMUsedFraction,
	})
}

// HandleGetSettings returns a group's effective settings.
func (s *Server) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		writeError(w, http.StatusServiceUnavailable, "group settings storage disabled")
		return
	}
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	settings, err := s.groups.Settings(r.Context(), chatID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "settings lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// HandlePutSettings stores a group's settings. Values are normalized before
// persisting, so out-of-range sensitivity or an unknown group type never
// reaches the database.
func (s *Server) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.groups == nil {
		writeError(w, http.StatusServiceUnavailable, "group settings storage disabled")
		return
	}
	chatID, ok := pathInt64(w, r, "chatID")
	if !ok {
		return
	}
	var settings config.GroupSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad settings payload")
		return
	}
	settings.Normalize()
	if err := s.groups.Upsert(r.Context(), chatID, settings); err != nil {
		writeError(w, http.StatusInternalServerError, "settings update failed")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

type listResponse struct {
	Decisions []types.Decision `json:"decisions"`
	Total     int              `json:"total"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	if v := q.Get("verdict"); v != "" {
		verdict, err := types.ParseVerdict(v)
		if err != nil {
			return f, errors.New("unknown verdict filter")
		}
		f.Verdict = &verdict
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be RFC3339")
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("until must be RFC3339")
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	if f.Limit == 0 {
		f.Limit = 50
	}
	return f, nil
}

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("api: response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
