package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"BattleLedger/internal/apperr"
	"BattleLedger/internal/battle"
	"BattleLedger/internal/confirm"
	"BattleLedger/internal/core"
	"BattleLedger/internal/ingestion"
	"BattleLedger/internal/observability"
	"BattleLedger/internal/payment"
	"BattleLedger/internal/query"
	"BattleLedger/internal/ratelimit"
	"BattleLedger/internal/settlement"
	"BattleLedger/internal/vote"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// BattleAPI is the operation surface served over HTTP.
type BattleAPI interface {
	CreateBattle(ctx context.Context, req core.CreateRequest) (*core.CreateResult, error)
	AcceptBattle(ctx context.Context, req core.AcceptRequest) (*core.AcceptResult, error)
	AcceptOpen(ctx context.Context, actor, contentRef string) (*core.AcceptResult, error)
	CastVote(ctx context.Context, req core.VoteRequest) (*core.VoteResult, error)
	ConfirmPayment(ctx context.Context, intentID string) (confirm.Outcome, error)
	HandlePaymentStatus(ctx context.Context, st payment.Status) (confirm.Outcome, error)

	GetBattle(ctx context.Context, id string) (*core.BattleView, error)
	VoteCounts(ctx context.Context, id string) (vote.Counts, error)
	CurrentBattle(ctx context.Context) (*core.BattleView, error)
	ListBattles(ctx context.Context, status battle.Status, limit int64) ([]*battle.Battle, error)

	AdminSettle(ctx context.Context, admin, battleID string) (*settlement.Result, error)
	AdminForceEnd(ctx context.Context, admin, battleID string) (*battle.Battle, error)
	AdminCancel(ctx context.Context, admin, battleID, reason string) (*core.CancelResult, error)
	RateLimitStatus(ctx context.Context, action ratelimit.Action, actor string) (ratelimit.Status, error)
	ClearRateLimit(ctx context.Context, admin string, action ratelimit.Action, actor string) error
}

// HistoryAPI serves the Postgres-backed reads.
type HistoryAPI interface {
	History(ctx context.Context, f query.HistoryFilter) (*query.HistoryResponse, error)
	PlayerStats(ctx context.Context, account string) (*query.PlayerStatsResponse, error)
	Leaderboard(ctx context.Context, metric string, limit int) (*query.LeaderboardResponse, error)
	Stats(ctx context.Context) (*query.StatsResponse, error)
	Payouts(ctx context.Context, battleID string) ([]query.PayoutEntry, error)
}

// HTTPDeps are the collaborators of the HTTP API. History, Relay, Auth
// and Limiter are optional.
type HTTPDeps struct {
	API     BattleAPI
	History HistoryAPI
	// Relay, when set, puts webhook callbacks on the payments stream
	// instead of applying them in the request.
	Relay         ingestion.Publisher
	WebhookSecret string
	Auth          *AdminAuth
	Limiter       *ratelimit.Limiter
	Health        *observability.HealthChecker
	Now           func() time.Time
	Log           zerolog.Logger
	Metrics       *observability.Metrics
}

// HTTPServer serves the JSON API.
type HTTPServer struct {
	deps   HTTPDeps
	addr   string
	router http.Handler
}

func NewHTTPServer(addr string, deps HTTPDeps) *HTTPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &HTTPServer{deps: deps, addr: addr}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	if h := s.deps.Health; h != nil {
		r.Get("/healthz", h.LivenessHandler)
		r.Get("/readyz", h.ReadinessHandler)
	}

	r.Route("/v1", func(api chi.Router) {
		if s.deps.Limiter != nil {
			api.Use(s.deps.Limiter.Middleware(ratelimit.ActionAPIGeneral, ratelimit.ClientIP, s.deps.Log))
		}

		api.Post("/battles", s.createBattle)
		api.Get("/battles", s.listBattles)
		api.Get("/battles/current", s.currentBattle)
		api.Post("/battles/accept-open", s.acceptOpen)
		api.Get("/battles/{id}", s.getBattle)
		api.Get("/battles/{id}/votes", s.voteCounts)
		api.Post("/battles/{id}/accept", s.acceptBattle)
		api.Post("/battles/{id}/votes", s.castVote)
		api.Post("/votes", s.castVote)

		api.Post("/payments/{intentID}/confirm", s.confirmPayment)
		api.Post("/webhooks/payments", s.paymentWebhook)

		if s.deps.History != nil {
			api.Get("/history", s.history)
			api.Get("/leaderboard", s.leaderboard)
			api.Get("/stats", s.stats)
			api.Get("/players/{account}/stats", s.playerStats)
			api.Get("/battles/{id}/payouts", s.payouts)
		}

		if s.deps.Auth.Enabled() {
			api.Route("/admin", func(admin chi.Router) {
				admin.Use(s.deps.Auth.Middleware)
				admin.Post("/battles/{id}/settle", s.adminSettle)
				admin.Post("/battles/{id}/force-end", s.adminForceEnd)
				admin.Post("/battles/{id}/cancel", s.adminCancel)
				admin.Get("/ratelimits/{action}/{actor}", s.rateLimitStatus)
				admin.Delete("/ratelimits/{action}/{actor}", s.clearRateLimit)
			})
		}
	})

	return r
}

// Start serves until ctx is cancelled, then drains for up to 10s. It
// returns only after in-flight requests have finished, so callers may
// close the event channels afterwards.
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.deps.Log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
	}()

	s.deps.Log.Info().Str("addr", s.addr).Msg("HTTP API listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-drained
	return nil
}

// ============================================================================
// Battles
// ============================================================================

func (s *HTTPServer) createBattle(w http.ResponseWriter, r *http.Request) {
	var req core.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.API.CreateBattle(r.Context(), req)
	s.respond(w, r, http.StatusCreated, res, err)
}

func (s *HTTPServer) acceptBattle(w http.ResponseWriter, r *http.Request) {
	var req core.AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	req.BattleID = chi.URLParam(r, "id")
	res, err := s.deps.API.AcceptBattle(r.Context(), req)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) acceptOpen(w http.ResponseWriter, r *http.Request) {
	var req core.AcceptRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.API.AcceptOpen(r.Context(), req.Actor, req.ContentRef)
	s.respond(w, r, http.StatusOK, res, err)
}

// castVote serves both /battles/{id}/votes and /votes; the latter votes
// on the current battle.
func (s *HTTPServer) castVote(w http.ResponseWriter, r *http.Request) {
	var req core.VoteRequest
	if !decode(w, r, &req) {
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.BattleID = id
	}
	res, err := s.deps.API.CastVote(r.Context(), req)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) getBattle(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.API.GetBattle(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) voteCounts(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.API.VoteCounts(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) currentBattle(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.API.CurrentBattle(r.Context())
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) listBattles(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		raw = battle.StatusOpen.String()
	}
	status, err := battle.ParseStatus(raw)
	if err != nil {
		s.respond(w, r, 0, nil, err)
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.respond(w, r, 0, nil, err)
		return
	}
	res, err := s.deps.API.ListBattles(r.Context(), status, int64(limit))
	if res == nil {
		res = []*battle.Battle{}
	}
	s.respond(w, r, http.StatusOK, res, err)
}

// ============================================================================
// Payments
// ============================================================================

func (s *HTTPServer) confirmPayment(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.API.ConfirmPayment(r.Context(), chi.URLParam(r, "intentID"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.respond(w, r, 0, nil, apperr.Validation("bad_body", "read body: %v", err))
		return
	}
	st, err := payment.ParseWebhook(body, r.Header.Get("X-Signature"), s.deps.WebhookSecret)
	if err != nil {
		s.respond(w, r, 0, nil, err)
		return
	}

	if s.deps.Relay != nil {
		err := ingestion.RelayPaymentStatus(r.Context(), s.deps.Relay, st, s.deps.Now())
		if err != nil {
			err = apperr.Dependency("payments_stream", err)
		}
		s.respond(w, r, http.StatusAccepted, map[string]string{"intent_id": st.IntentID}, err)
		return
	}

	out, err := s.deps.API.HandlePaymentStatus(r.Context(), st)
	if errors.Is(err, confirm.ErrUnknownIntent) {
		// Not ours or already forgotten; acknowledge so the gateway stops
		// retrying.
		s.respond(w, r, http.StatusOK, map[string]string{"intent_id": st.IntentID, "result": "ignored"}, nil)
		return
	}
	s.respond(w, r, http.StatusOK, out, err)
}

// ============================================================================
// History
// ============================================================================

func (s *HTTPServer) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := query.HistoryFilter{Account: q.Get("account"), Status: q.Get("status")}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.respond(w, r, 0, nil, apperr.Validation("bad_cursor", "before must be RFC3339"))
			return
		}
		f.Before = before
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.respond(w, r, 0, nil, err)
		return
	}
	f.Limit = limit
	res, err := s.deps.History.History(r.Context(), f)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		s.respond(w, r, 0, nil, err)
		return
	}
	res, err := s.deps.History.Leaderboard(r.Context(), r.URL.Query().Get("metric"), limit)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) stats(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.History.Stats(r.Context())
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) playerStats(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.History.PlayerStats(r.Context(), chi.URLParam(r, "account"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) payouts(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.History.Payouts(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, res, err)
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) adminSettle(w http.ResponseWriter, r *http.Request) {
	admin, _ := AdminFrom(r.Context())
	res, err := s.deps.API.AdminSettle(r.Context(), admin, chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) adminForceEnd(w http.ResponseWriter, r *http.Request) {
	admin, _ := AdminFrom(r.Context())
	res, err := s.deps.API.AdminForceEnd(r.Context(), admin, chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) adminCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	admin, _ := AdminFrom(r.Context())
	res, err := s.deps.API.AdminCancel(r.Context(), admin, chi.URLParam(r, "id"), req.Reason)
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	action := ratelimit.Action(chi.URLParam(r, "action"))
	res, err := s.deps.API.RateLimitStatus(r.Context(), action, chi.URLParam(r, "actor"))
	s.respond(w, r, http.StatusOK, res, err)
}

func (s *HTTPServer) clearRateLimit(w http.ResponseWriter, r *http.Request) {
	admin, _ := AdminFrom(r.Context())
	action := ratelimit.Action(chi.URLParam(r, "action"))
	err := s.deps.API.ClearRateLimit(r.Context(), admin, action, chi.URLParam(r, "actor"))
	s.respond(w, r, http.StatusOK, map[string]string{"cleared": string(action)}, err)
}

// ============================================================================
// Envelope
// ============================================================================

type envelope struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	if err == nil {
		writeJSON(w, status, envelope{Success: true, Data: data})
		return
	}

	status = StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.deps.Log.Error().Err(err).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeStatusError(w, status, err)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict, apperr.KindBusy:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeStatusError(w http.ResponseWriter, status int, err error) {
	env := envelope{Error: "internal", Reason: "internal error"}
	if e, ok := apperr.As(err); ok {
		env.Error = e.Code
		if e.Kind != apperr.KindInternal && e.Kind != apperr.KindConsistency {
			env.Reason = e.Reason
		}
		if e.Kind.Retryable() {
			env.RetryAfter = 1
			w.Header().Set("Retry-After", "1")
		}
	}
	writeJSON(w, status, env)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeStatusError(w, http.StatusBadRequest, apperr.Validation("bad_body", "decode body: %v", err))
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("bad_param", "%s must be a non-negative integer", name)
	}
	return n, nil
}

// accessLog writes one line per request and records request metrics.
func (s *HTTPServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		dur := time.Since(start)
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
			s.deps.Metrics.HTTPDuration.WithLabelValues(route).Observe(dur.Seconds())
		}
		s.deps.Log.Info().
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", dur).
			Msg("http request")
	})
}
