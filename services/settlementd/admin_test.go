package settlementd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bithedge/config"
	"bithedge/core"
	"bithedge/native/pricefeed"
	"bithedge/storage"
)

type adminFixture struct {
	server    *AdminServer
	platform  *core.Platform
	scheduler *Scheduler
	auth      *Authenticator
	clock     *schedulerClock
	now       time.Time
}

// newAdminFixture mounts the admin router over a real platform. The scheduler
// clock starts at unix 1500 with a 1000 second interval, so the current
// boundary is 1000 and policies open against boundary 2000.
func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	feed := pricefeed.NewManualFeed("test")
	platform, err := core.NewPlatform(storage.NewMemDB(), &config.Config{
		DataDir:       t.TempDir(),
		NetworkName:   "bithedge-test",
		Tokens:        []string{"SBTC"},
		MaxPremiumBps: 2_500,
	}, feed)
	if err != nil {
		t.Fatalf("new platform: %v", err)
	}
	clock := &schedulerClock{now: time.Unix(1500, 0)}
	sched := NewScheduler(platform, nil, 1000*time.Second, WithSchedulerClock(clock.Now))
	platform.SetBoundaryFunc(sched.CurrentBoundary)
	platform.SetNowFunc(func() int64 { return clock.Now().Unix() })

	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	auth := newTestAuthenticator(t, now)
	server, err := NewAdminServer(AdminDeps{
		Platform:  platform,
		Scheduler: sched,
		Hub:       NewStreamHub(8),
		Feed:      feed,
		Auth:      auth,
		RateLimit: RateLimitConfig{RequestsPerMinute: 60_000, Burst: 1_000},
	})
	if err != nil {
		t.Fatalf("new admin server: %v", err)
	}
	return &adminFixture{server: server, platform: platform, scheduler: sched, auth: auth, clock: clock, now: now}
}

func (f *adminFixture) request(t *testing.T, role Role, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+signTestJWT(t, f.now, f.now.Add(time.Minute), role))
	}
	recorder := httptest.NewRecorder()
	f.server.ServeHTTP(recorder, req)
	return recorder
}

func (f *adminFixture) mustRequest(t *testing.T, role Role, method, path string, body interface{}, want int) *httptest.ResponseRecorder {
	t.Helper()
	recorder := f.request(t, role, method, path, body)
	if recorder.Code != want {
		t.Fatalf("%s %s = %d, want %d (body %s)", method, path, recorder.Code, want, recorder.Body.String())
	}
	return recorder
}

func decodeAdmin(t *testing.T, recorder *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestAdminHealthzIsPublic(t *testing.T) {
	f := newAdminFixture(t)

	recorder := f.request(t, "", http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz without credentials, got %d", recorder.Code)
	}
	var body map[string]string
	decodeAdmin(t, recorder, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected healthz body %v", body)
	}

	if recorder := f.request(t, "", http.MethodGet, "/metrics", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics without credentials, got %d", recorder.Code)
	}
}

func TestAdminAuthorization(t *testing.T) {
	f := newAdminFixture(t)

	if recorder := f.request(t, "", http.MethodGet, "/api/v1/status", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous request, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleAuditor, http.MethodGet, "/api/v1/status", nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected auditor read access, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleAuditor, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 1000}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for auditor on operator route, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 1000}); recorder.Code != http.StatusOK {
		t.Fatalf("expected operator settle access, got %d", recorder.Code)
	}
}

func TestAdminLifecycleFlow(t *testing.T) {
	f := newAdminFixture(t)
	provider := schedulerAddr(t, 0x11)
	owner := schedulerAddr(t, 0x22)

	recorder := f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/providers", map[string]string{
		"address": provider.String(),
		"tier":    "balanced",
	}, http.StatusCreated)
	var prov providerView
	decodeAdmin(t, recorder, &prov)
	if prov.Address != provider.String() || prov.Tier != "balanced" {
		t.Fatalf("unexpected provider view %+v", prov)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/providers/"+provider.String()+"/deposit", map[string]string{
		"token":  "SBTC",
		"amount": "2",
	}, http.StatusOK)
	var account accountView
	decodeAdmin(t, recorder, &account)
	if account.Available != "2" {
		t.Fatalf("unexpected account after deposit %+v", account)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/policies", map[string]interface{}{
		"owner":      owner.String(),
		"kind":       "put",
		"token":      "SBTC",
		"strike":     "50000",
		"notional":   "1",
		"premium":    "0.01",
		"tier":       "balanced",
		"expires_at": 2000,
	}, http.StatusCreated)
	var itm policyView
	decodeAdmin(t, recorder, &itm)
	if itm.Status != "active" || itm.Kind != "PUT" || itm.RequiredCollateral != "1" {
		t.Fatalf("unexpected policy view %+v", itm)
	}

	// Same boundary, lower strike: the 40000 print leaves this one out of
	// the money.
	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/policies", map[string]interface{}{
		"owner":      owner.String(),
		"kind":       "put",
		"token":      "SBTC",
		"strike":     "30000",
		"notional":   "0.5",
		"premium":    "0.005",
		"tier":       "balanced",
		"expires_at": 2000,
	}, http.StatusCreated)
	var otm policyView
	decodeAdmin(t, recorder, &otm)

	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"base":     "SBTC",
		"boundary": 2000,
		"price":    "40000",
	}, http.StatusOK)

	f.clock.Set(2500)
	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, "/api/v1/status", nil, http.StatusOK)
	var status statusResponse
	decodeAdmin(t, recorder, &status)
	if len(status.Pending) != 1 || status.Pending[0] != 2000 {
		t.Fatalf("unexpected pending boundaries %+v", status.Pending)
	}
	if len(status.Tokens) != 1 || status.Tokens[0] != "SBTC" {
		t.Fatalf("unexpected tokens %+v", status.Tokens)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 2000}, http.StatusOK)
	var batch batchView
	decodeAdmin(t, recorder, &batch)
	if batch.Processed != 2 || batch.Settled != 1 || batch.Expired != 1 || batch.Failed != 0 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch.TotalPayout != "0.2" || batch.TotalReleased != "1.3" {
		t.Fatalf("unexpected batch totals %+v", batch)
	}
	if batch.Prices["SBTC"] != "40000" {
		t.Fatalf("unexpected batch prices %+v", batch.Prices)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, fmt.Sprintf("/api/v1/policies/%d", itm.ID), nil, http.StatusOK)
	var settled policyView
	decodeAdmin(t, recorder, &settled)
	if settled.Status != "settled" || settled.SettlementAmount != "0.2" || settled.SettlementPrice != "40000" {
		t.Fatalf("unexpected settled policy %+v", settled)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/distribute", map[string]uint64{"boundary": 2000}, http.StatusOK)
	var distribution distributionOutcomeView
	decodeAdmin(t, recorder, &distribution)
	if distribution.Policies != 1 || distribution.TotalPremium != "0.005" {
		t.Fatalf("unexpected distribution %+v", distribution)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/providers/"+provider.String()+"/claim", map[string]string{
		"token": "SBTC",
	}, http.StatusOK)
	var claim map[string]string
	decodeAdmin(t, recorder, &claim)
	if claim["claimed"] != "0.005" {
		t.Fatalf("unexpected claim %v", claim)
	}

	recorder = f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/providers/"+provider.String()+"/withdraw", map[string]string{
		"token":  "SBTC",
		"amount": "1",
	}, http.StatusOK)
	decodeAdmin(t, recorder, &account)
	if account.Available != "0.805" || account.Deposited != "0.805" {
		t.Fatalf("unexpected account after withdraw %+v", account)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, fmt.Sprintf("/api/v1/policies/%d/allocations", otm.ID), nil, http.StatusOK)
	var allocations []allocationView
	decodeAdmin(t, recorder, &allocations)
	if len(allocations) != 1 || allocations[0].ShareBps != 10_000 {
		t.Fatalf("unexpected allocations %+v", allocations)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, fmt.Sprintf("/api/v1/policies/%d/distributions", otm.ID), nil, http.StatusOK)
	var payouts []distributionView
	decodeAdmin(t, recorder, &payouts)
	if len(payouts) != 1 || payouts[0].Amount != "0.005" {
		t.Fatalf("unexpected distribution records %+v", payouts)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, fmt.Sprintf("/api/v1/policies/%d/impacts", itm.ID), nil, http.StatusOK)
	var impacts []impactView
	decodeAdmin(t, recorder, &impacts)
	if len(impacts) != 1 || impacts[0].Debited != "0.2" {
		t.Fatalf("unexpected impacts %+v", impacts)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, "/api/v1/batches", nil, http.StatusOK)
	var batches []batchView
	decodeAdmin(t, recorder, &batches)
	if len(batches) != 1 || batches[0].Boundary != 2000 {
		t.Fatalf("unexpected batches %+v", batches)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, "/api/v1/pool/SBTC", nil, http.StatusOK)
	var totals poolView
	decodeAdmin(t, recorder, &totals)
	if totals.Providers != 1 || totals.VaultBalance != "0.01" {
		t.Fatalf("unexpected pool totals %+v", totals)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodPost, "/api/v1/audit", nil, http.StatusOK)
	var verdict auditView
	decodeAdmin(t, recorder, &verdict)
	if !verdict.Clean {
		t.Fatalf("expected clean ledger, got %+v", verdict)
	}

	recorder = f.mustRequest(t, RoleAuditor, http.MethodGet, "/api/v1/status", nil, http.StatusOK)
	status = statusResponse{}
	decodeAdmin(t, recorder, &status)
	if len(status.Pending) != 0 {
		t.Fatalf("expected no pending boundaries after settlement, got %+v", status.Pending)
	}
	if status.Scheduler.LastBoundary != 2000 {
		t.Fatalf("unexpected scheduler status %+v", status.Scheduler)
	}
}

func TestAdminValidationErrors(t *testing.T) {
	f := newAdminFixture(t)

	recorder := f.request(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 0})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero boundary, got %d", recorder.Code)
	}

	recorder = f.request(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 999_000})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for future boundary, got %d", recorder.Code)
	}
	var apiErr map[string]string
	decodeAdmin(t, recorder, &apiErr)
	if !strings.Contains(apiErr["error"], "in the future") {
		t.Fatalf("unexpected future boundary error %v", apiErr)
	}

	if recorder := f.request(t, RoleAuditor, http.MethodGet, "/api/v1/policies/abc", nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleAuditor, http.MethodGet, "/api/v1/policies/999", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown policy, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleAuditor, http.MethodGet, "/api/v1/batches/500", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleAuditor, http.MethodGet, "/api/v1/providers/"+schedulerAddr(t, 0x77).String(), nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleOperator, http.MethodPost, "/api/v1/providers", map[string]string{
		"address": "nonsense",
		"tier":    "balanced",
	}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", recorder.Code)
	}
	if recorder := f.request(t, RoleOperator, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"base":     "SBTC",
		"boundary": 0,
		"price":    "1",
	}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero price boundary, got %d", recorder.Code)
	}
}

func TestAdminPauseResume(t *testing.T) {
	f := newAdminFixture(t)

	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/pause", map[string]string{}, http.StatusNoContent)
	if status := f.scheduler.Status(); !status.Paused {
		t.Fatalf("expected scheduler paused, got %+v", status)
	}
	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/resume", map[string]string{}, http.StatusNoContent)
	if status := f.scheduler.Status(); status.Paused {
		t.Fatalf("expected scheduler resumed, got %+v", status)
	}

	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/pause", map[string]string{"module": "settlement"}, http.StatusNoContent)
	recorder := f.request(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 1000})
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while settlement paused, got %d (%s)", recorder.Code, recorder.Body.String())
	}
	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/resume", map[string]string{"module": "settlement"}, http.StatusNoContent)
	f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/settle", map[string]uint64{"boundary": 1000}, http.StatusOK)
}

func TestAdminPinPriceDefaultsQuote(t *testing.T) {
	f := newAdminFixture(t)

	recorder := f.mustRequest(t, RoleOperator, http.MethodPost, "/api/v1/prices", map[string]interface{}{
		"base":     "sbtc",
		"boundary": 3000,
		"price":    "42000.5",
	}, http.StatusOK)
	var body map[string]interface{}
	decodeAdmin(t, recorder, &body)
	if body["base"] != "SBTC" || body["quote"] != "USD" {
		t.Fatalf("unexpected pin response %v", body)
	}
	if body["price"] != "42000.5" {
		t.Fatalf("unexpected price echo %v", body)
	}
}

func TestAdminRateLimitThrottles(t *testing.T) {
	f := newAdminFixture(t)
	tight, err := NewAdminServer(AdminDeps{
		Platform:  f.platform,
		Scheduler: f.scheduler,
		Auth:      f.auth,
		RateLimit: RateLimitConfig{RequestsPerMinute: 0.01, Burst: 2},
	})
	if err != nil {
		t.Fatalf("new admin server: %v", err)
	}

	token := signTestJWT(t, f.now, f.now.Add(time.Minute), RoleAuditor)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		recorder := httptest.NewRecorder()
		tight.ServeHTTP(recorder, req)
		codes = append(codes, recorder.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("expected burst requests to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third request throttled, got %v", codes)
	}
}
