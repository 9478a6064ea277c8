package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"rewards-gateway/auth"
	"rewards-gateway/engine"
	rwmw "rewards-gateway/middleware"
	"rewards-gateway/voucher"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Engine        *engine.Engine
	Issuer        *voucher.Issuer
	Tracker       *voucher.Tracker
	Verifier      *auth.Verifier
	RatePerMinute int
}

// Server exposes the reward and claim operations over HTTP. All business
// decisions live in the engine and voucher packages; handlers only translate
// between JSON and the domain error taxonomy.
type Server struct {
	db      *gorm.DB
	engine  *engine.Engine
	issuer  *voucher.Issuer
	tracker *voucher.Tracker

	limiters sync.Map
	rateLim  rate.Limit
	burst    int

	router http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// and per-subject rate limiting.
func New(cfg Config) *Server {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	srv := &Server{
		db:      cfg.DB,
		engine:  cfg.Engine,
		issuer:  cfg.Issuer,
		tracker: cfg.Tracker,
		rateLim: rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
	}
	srv.router = srv.buildRouter(cfg.Verifier)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(verifier.Middleware)
		protected.Use(s.rateLimit)
		protected.Use(func(next http.Handler) http.Handler { return rwmw.WithIdempotency(s.db, next) })

		protected.Route("/api/v1", func(api chi.Router) {
			api.Post("/rewards/daily", s.AttemptDaily)
			api.Post("/rewards/recover", s.RecoverReward)
			api.Get("/rewards/today", s.RewardedToday)

			api.Post("/claims/{payoutId}/voucher", s.IssueVoucher)
			api.Post("/claims/{payoutId}/voucher/regenerate", s.RegenerateVoucher)
			api.Post("/claims/{payoutId}/claimed", s.MarkClaimed)
			api.Get("/claims/{payoutId}/voucher", s.ActiveVoucher)
		})

		protected.Route("/ops", func(ops chi.Router) {
			ops.Use(auth.RequireOperator)
			ops.Post("/rewards/force-complete", s.ForceComplete)
		})
	})

	return r
}

// rateLimit throttles each authenticated subject independently.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := auth.Subject(r.Context())
		if subject == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		entry, _ := s.limiters.LoadOrStore(subject, rate.NewLimiter(s.rateLim, s.burst))
		limiter := entry.(*rate.Limiter)
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Healthz reports liveness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type rewardRequest struct {
	Wallet string `json:"wallet"`
	TxHash string `json:"txHash"`
}

type rewardResponse struct {
	AlreadyRewarded bool        `json:"alreadyRewarded"`
	ChainChecked    bool        `json:"chainChecked,omitempty"`
	Recovered       bool        `json:"recovered,omitempty"`
	Forced          bool        `json:"forced,omitempty"`
	Reward          interface{} `json:"reward,omitempty"`
}

// AttemptDaily runs the standard daily reward flow for the caller.
func (s *Server) AttemptDaily(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wallet, ok := parseWallet(req.Wallet)
	if !ok {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}

	outcome, err := s.engine.AttemptDailyReward(r.Context(), claims.Subject, wallet, req.TxHash, false)
	if err != nil {
		s.writeRewardError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rewardResponse{
		ChainChecked: outcome.ChainChecked,
		Reward:       outcome.Event,
	})
}

// RecoverReward finishes a reward interrupted before confirmation.
func (s *Server) RecoverReward(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wallet, ok := parseWallet(req.Wallet)
	if !ok {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		http.Error(w, "txHash is required", http.StatusBadRequest)
		return
	}

	outcome, err := s.engine.RecoverWithTx(r.Context(), claims.Subject, wallet, req.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidTxHash):
			http.Error(w, "txHash must be a 0x-prefixed 32-byte hex hash", http.StatusBadRequest)
		case errors.Is(err, engine.ErrTxUnconfirmed):
			http.Error(w, "transaction not confirmed on-chain", http.StatusUnprocessableEntity)
		default:
			s.writeRewardError(w, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, rewardResponse{
		ChainChecked: outcome.ChainChecked,
		Recovered:    outcome.Recovered,
		Reward:       outcome.Event,
	})
}

// RewardedToday reports whether the caller already holds today's reward.
func (s *Server) RewardedToday(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	event, err := s.engine.RewardedToday(r.Context(), claims.Subject)
	if err != nil {
		http.Error(w, "failed to load reward", http.StatusInternalServerError)
		return
	}
	resp := map[string]interface{}{
		"appDay":   string(s.engine.CurrentDay()),
		"rewarded": event != nil,
	}
	if event != nil {
		resp["reward"] = event
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type issueRequest struct {
	Wallet       string `json:"wallet"`
	AmountTokens int64  `json:"amountTokens"`
}

// IssueVoucher mints (or idempotently returns) the payout's claim voucher.
func (s *Server) IssueVoucher(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	payoutID := chi.URLParam(r, "payoutId")
	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	wallet, ok := parseWallet(req.Wallet)
	if !ok {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	if req.AmountTokens <= 0 {
		http.Error(w, "amountTokens must be positive", http.StatusBadRequest)
		return
	}

	record, err := s.issuer.Issue(r.Context(), voucher.IssueRequest{
		PayoutID:     payoutID,
		UserID:       claims.Subject,
		Wallet:       wallet,
		AmountTokens: req.AmountTokens,
	})
	if err != nil {
		s.writeVoucherError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// RegenerateVoucher supersedes the active voucher with a fresh one.
func (s *Server) RegenerateVoucher(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	record, err := s.issuer.Regenerate(r.Context(), chi.URLParam(r, "payoutId"), claims.Subject)
	if err != nil {
		s.writeVoucherError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type claimedRequest struct {
	TxHash string `json:"txHash"`
}

// MarkClaimed records the on-chain redemption of the payout's voucher.
func (s *Server) MarkClaimed(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	var req claimedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		http.Error(w, "txHash is required", http.StatusBadRequest)
		return
	}
	record, err := s.tracker.MarkClaimed(r.Context(), chi.URLParam(r, "payoutId"), claims.Subject, req.TxHash)
	if err != nil {
		s.writeVoucherError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// ActiveVoucher returns the payout's current ISSUED voucher.
func (s *Server) ActiveVoucher(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	record, err := s.tracker.Active(r.Context(), chi.URLParam(r, "payoutId"), claims.Subject)
	if err != nil {
		s.writeVoucherError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

type forceCompleteRequest struct {
	UserID string `json:"userId"`
	Wallet string `json:"wallet"`
	TxHash string `json:"txHash"`
}

// ForceComplete is the operator path for rewards stuck beyond self-service.
func (s *Server) ForceComplete(w http.ResponseWriter, r *http.Request) {
	var req forceCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	wallet, ok := parseWallet(req.Wallet)
	if !ok {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}

	outcome, err := s.engine.ForceComplete(r.Context(), req.UserID, wallet, req.TxHash)
	if err != nil {
		s.writeRewardError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rewardResponse{
		Forced: outcome.Forced,
		Reward: outcome.Event,
	})
}

// writeRewardError maps the engine taxonomy onto HTTP semantics. The two
// already-rewarded sentinels are idempotent successes, not failures.
func (s *Server) writeRewardError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrAlreadyRewardedToday), errors.Is(err, engine.ErrAlreadyRewardedOnChain):
		s.writeJSON(w, http.StatusOK, rewardResponse{AlreadyRewarded: true})
	case errors.Is(err, engine.ErrConcurrentAttempt):
		http.Error(w, "another attempt is in progress", http.StatusConflict)
	case errors.Is(err, engine.ErrStaleReservation):
		http.Error(w, "reservation expired, retry the attempt", http.StatusConflict)
	default:
		http.Error(w, "reward attempt failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeVoucherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voucher.ErrNotOwner), errors.Is(err, voucher.ErrNoActiveVoucher):
		// Non-owners see the same response as a missing payout.
		http.Error(w, "voucher not found", http.StatusNotFound)
	case errors.Is(err, voucher.ErrAlreadyClaimed):
		http.Error(w, "payout already claimed", http.StatusConflict)
	case errors.Is(err, voucher.ErrVoucherExpired):
		http.Error(w, "voucher expired", http.StatusGone)
	case errors.Is(err, voucher.ErrIssueConflict):
		http.Error(w, "concurrent issuance, retry", http.StatusConflict)
	default:
		http.Error(w, "voucher operation failed", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseWallet(raw string) (common.Address, bool) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, false
	}
	return common.HexToAddress(trimmed), true
}
