package settlementd

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"bithedge/core"
	"bithedge/crypto"
	"bithedge/native/audit"
	nativecommon "bithedge/native/common"
	"bithedge/native/fixedpoint"
	"bithedge/native/policy"
	"bithedge/native/pool"
	"bithedge/native/pricefeed"
	"bithedge/native/settlement"
	"bithedge/observability"
)

// AdminDeps bundles the dependencies the admin API drives.
type AdminDeps struct {
	Platform  *core.Platform
	Scheduler *Scheduler
	Hub       *StreamHub
	Feed      *pricefeed.ManualFeed
	Auth      *Authenticator
	RateLimit RateLimitConfig
}

// AdminServer exposes the operator and auditor HTTP surface.
type AdminServer struct {
	platform  *core.Platform
	scheduler *Scheduler
	hub       *StreamHub
	feed      *pricefeed.ManualFeed
	auth      *Authenticator
	limiter   *clientLimiter
	router    http.Handler
}

// NewAdminServer constructs the admin router over the supplied dependencies.
func NewAdminServer(deps AdminDeps) (*AdminServer, error) {
	if deps.Platform == nil {
		return nil, fmt.Errorf("settlementd: platform required")
	}
	if deps.Scheduler == nil {
		return nil, fmt.Errorf("settlementd: scheduler required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("settlementd: authenticator required")
	}
	srv := &AdminServer{
		platform:  deps.Platform,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		feed:      deps.Feed,
		auth:      deps.Auth,
		limiter:   newClientLimiter(deps.RateLimit),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(protected chi.Router) {
		protected.Use(s.limiter.middleware)
		protected.Use(s.auth.Middleware)

		if s.hub != nil {
			protected.With(RequireRole(RoleOperator, RoleAuditor)).Get("/events", s.hub.ServeHTTP)
		}

		protected.Route("/api/v1", func(api chi.Router) {
			read := api.With(RequireRole(RoleOperator, RoleAuditor))
			read.Get("/status", s.handleStatus)
			read.Get("/policies/{id}", s.handleGetPolicy)
			read.Get("/policies/{id}/impacts", s.handlePolicyImpacts)
			read.Get("/policies/{id}/distributions", s.handlePolicyDistributions)
			read.Get("/policies/{id}/allocations", s.handlePolicyAllocations)
			read.Get("/providers/{addr}", s.handleGetProvider)
			read.Get("/providers/{addr}/accounts/{token}", s.handleGetAccount)
			read.Get("/pool/{token}", s.handlePoolTotals)
			read.Get("/batches", s.handleBatches)
			read.Get("/batches/{boundary}", s.handleBatch)
			read.Get("/boundaries/pending", s.handlePendingBoundaries)
			read.Post("/audit", s.handleAudit)

			ops := api.With(RequireRole(RoleOperator))
			ops.Post("/policies", s.handleCreatePolicy)
			ops.Post("/providers", s.handleRegisterProvider)
			ops.Post("/providers/{addr}/deposit", s.handleDeposit)
			ops.Post("/providers/{addr}/withdraw", s.handleWithdraw)
			ops.Post("/providers/{addr}/claim", s.handleClaim)
			ops.Post("/prices", s.handlePinPrice)
			ops.Post("/settle", s.handleSettle)
			ops.Post("/distribute", s.handleDistribute)
			ops.Post("/pause", s.handlePause)
			ops.Post("/resume", s.handleResume)
		})
	})

	return r
}

// observe records request metrics keyed by the matched route pattern.
func (s *AdminServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.AdminMetrics().Observe(route, r.Method, recorder.status, time.Since(start))
		if recorder.status == http.StatusUnauthorized || recorder.status == http.StatusForbidden {
			observability.AdminMetrics().RecordThrottle(route, "unauthorized")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// --- Handlers ---

func (s *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Scheduler Status              `json:"scheduler"`
	Tokens    []string            `json:"tokens"`
	Pools     map[string]poolView `json:"pools"`
	Pending   []uint64            `json:"pending_boundaries"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Scheduler: s.scheduler.Status(),
		Tokens:    s.platform.Tokens(),
		Pools:     make(map[string]poolView),
	}
	for _, token := range resp.Tokens {
		totals, err := s.platform.PoolTotalsFor(token)
		if err != nil {
			respondError(w, statusForError(err), err)
			return
		}
		resp.Pools[token] = poolViewFrom(totals)
	}
	pending, err := s.platform.PendingBoundaries(s.scheduler.CurrentBoundary())
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	resp.Pending = pending
	respondJSON(w, http.StatusOK, resp)
}

type createPolicyRequest struct {
	Owner     string `json:"owner"`
	Kind      string `json:"kind"`
	Token     string `json:"token"`
	Strike    string `json:"strike"`
	Notional  string `json:"notional"`
	Premium   string `json:"premium"`
	Tier      string `json:"tier"`
	ExpiresAt uint64 `json:"expires_at"`
}

func (s *AdminServer) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	owner, err := crypto.DecodeAddress(strings.TrimSpace(req.Owner))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("owner: %w", err))
		return
	}
	kind, err := policy.ParseKind(req.Kind)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	tier, err := pool.ParseTier(req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	strike, err := fixedpoint.Parse(req.Strike)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("strike: %w", err))
		return
	}
	notional, err := fixedpoint.Parse(req.Notional)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("notional: %w", err))
		return
	}
	premium, err := fixedpoint.Parse(req.Premium)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("premium: %w", err))
		return
	}

	created, err := s.platform.OpenPolicy(policy.CreateParams{
		Owner:     owner,
		Kind:      kind,
		Token:     req.Token,
		Strike:    strike,
		Notional:  notional,
		Premium:   premium,
		Tier:      tier,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, policyViewFrom(created))
}

func (s *AdminServer) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.platform.GetPolicy(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, policyViewFrom(record))
}

func (s *AdminServer) handlePolicyImpacts(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	impacts, err := s.platform.PolicyImpacts(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	views := make([]impactView, len(impacts))
	for i, impact := range impacts {
		views[i] = impactViewFrom(impact)
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *AdminServer) handlePolicyDistributions(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.platform.PolicyDistributions(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	views := make([]distributionView, len(records))
	for i, record := range records {
		views[i] = distributionViewFrom(record)
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *AdminServer) handlePolicyAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	allocations, err := s.platform.PolicyAllocations(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	views := make([]allocationView, len(allocations))
	for i, allocation := range allocations {
		views[i] = allocationViewFrom(allocation)
	}
	respondJSON(w, http.StatusOK, views)
}

type registerProviderRequest struct {
	Address string `json:"address"`
	Tier    string `json:"tier"`
}

func (s *AdminServer) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var req registerProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(req.Address))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	tier, err := pool.ParseTier(req.Tier)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	provider, err := s.platform.RegisterProvider(addr, tier)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusCreated, providerViewFrom(provider))
}

func (s *AdminServer) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	provider, err := s.platform.GetProvider(addr)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, providerViewFrom(provider))
}

func (s *AdminServer) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	account, err := s.platform.GetAccount(addr, chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, accountViewFrom(account))
}

type fundsRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *AdminServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.platform.Deposit)
}

func (s *AdminServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFunds(w, r, s.platform.Withdraw)
}

func (s *AdminServer) handleFunds(w http.ResponseWriter, r *http.Request, op func(crypto.Address, string, *big.Int) (*pool.Account, error)) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	amount, err := fixedpoint.Parse(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("amount: %w", err))
		return
	}
	account, err := op(addr, req.Token, amount)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, accountViewFrom(account))
}

type claimRequest struct {
	Token string `json:"token"`
}

func (s *AdminServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	claimed, err := s.platform.ClaimPremiums(addr, req.Token)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"claimed": fixedpoint.Format(claimed)})
}

func (s *AdminServer) handlePoolTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.platform.PoolTotalsFor(chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, poolViewFrom(totals))
}

type priceRequest struct {
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Boundary uint64 `json:"boundary"`
	Price    string `json:"price"`
}

func (s *AdminServer) handlePinPrice(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Errorf("manual feed not configured"))
		return
	}
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	quote := req.Quote
	if strings.TrimSpace(quote) == "" {
		quote = "USD"
	}
	if req.Boundary == 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("boundary required"))
		return
	}
	if err := s.feed.SetDecimal(req.Base, quote, req.Boundary, req.Price, time.Now()); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"base":     strings.ToUpper(strings.TrimSpace(req.Base)),
		"quote":    strings.ToUpper(strings.TrimSpace(quote)),
		"boundary": req.Boundary,
		"price":    strings.TrimSpace(req.Price),
	})
}

type boundaryRequest struct {
	Boundary uint64 `json:"boundary"`
}

func (s *AdminServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req boundaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	if req.Boundary == 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("boundary required"))
		return
	}
	if req.Boundary > s.scheduler.CurrentBoundary() {
		respondError(w, http.StatusBadRequest, fmt.Errorf("boundary %d is in the future", req.Boundary))
		return
	}
	if err := s.scheduler.SettleBoundary(r.Context(), req.Boundary); err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	outcome, err := s.platform.BatchAt(req.Boundary)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, batchViewFrom(outcome))
}

func (s *AdminServer) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req boundaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	if req.Boundary == 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("boundary required"))
		return
	}
	outcome, err := s.platform.DistributePremiums(req.Boundary)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, distributionOutcomeViewFrom(outcome))
}

func (s *AdminServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.platform.VerifyAll()
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, auditViewFrom(report))
}

type moduleRequest struct {
	Module string `json:"module"`
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		s.scheduler.Pause()
	} else {
		s.platform.Pause(module)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	var req moduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload"))
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		s.scheduler.Resume()
	} else {
		s.platform.Resume(module)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleBatches(w http.ResponseWriter, r *http.Request) {
	max := s.scheduler.CurrentBoundary()
	if raw := strings.TrimSpace(r.URL.Query().Get("max")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("max: %w", err))
			return
		}
		max = parsed
	}
	batches, err := s.platform.Batches(max)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	views := make([]batchView, len(batches))
	for i, batch := range batches {
		views[i] = batchViewFrom(batch)
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *AdminServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	boundary, err := parseID(chi.URLParam(r, "boundary"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	outcome, err := s.platform.BatchAt(boundary)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, batchViewFrom(outcome))
}

func (s *AdminServer) handlePendingBoundaries(w http.ResponseWriter, r *http.Request) {
	pending, err := s.platform.PendingBoundaries(s.scheduler.CurrentBoundary())
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"current": s.scheduler.CurrentBoundary(),
		"pending": pending,
	})
}

// --- Rate limiting ---

type clientLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	return &clientLimiter{
		cfg:      cfg,
		visitors: make(map[string]*rate.Limiter),
	}
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := l.obtain(clientID(r))
		if !limiter.Allow() {
			observability.AdminMetrics().RecordThrottle(r.URL.Path, "rate_limit")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *clientLimiter) obtain(id string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.visitors[id]; ok {
		return limiter
	}
	perSecond := l.cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := l.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.visitors[id] = limiter
	go l.cleanup(id)
	return limiter
}

func (l *clientLimiter) cleanup(id string) {
	timer := time.NewTimer(5 * time.Minute)
	defer timer.Stop()
	<-timer.C
	l.mu.Lock()
	delete(l.visitors, id)
	l.mu.Unlock()
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// --- Rendering ---

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps engine errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, nativecommon.ErrQuotaPoliciesExceeded),
		errors.Is(err, nativecommon.ErrQuotaNotionalExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, policy.ErrPolicyNotFound),
		errors.Is(err, pool.ErrProviderNotFound),
		errors.Is(err, pool.ErrAccountNotFound),
		errors.Is(err, settlement.ErrBatchNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q", raw)
	}
	return id, nil
}
