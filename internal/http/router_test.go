package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/repository/memory"
	"github.com/Galaxerum/dif-bot/internal/service/auth"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
	"github.com/Galaxerum/dif-bot/internal/service/participant"
	"github.com/Galaxerum/dif-bot/internal/ws"
	"github.com/Galaxerum/dif-bot/pkg/config"
	"github.com/Galaxerum/dif-bot/pkg/crypto"
)

const testCode = "let-me-in"

type rateLimiterStub struct {
	mu    sync.Mutex
	limit int
	calls map[string]int
}

func newRateLimiterStub(limit int) *rateLimiterStub {
	return &rateLimiterStub{limit: limit, calls: make(map[string]int)}
}

func (s *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	count := s.calls[key]
	max := limit
	if s.limit > 0 {
		max = s.limit
	}
	return rateDecision{allowed: count <= max, count: count, windowEnd: time.Unix(1_950_000_000, 0)}
}

func (s *rateLimiterStub) Close() {}

type harness struct {
	router *Router
	store  *memory.Store
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, limiter RateLimiter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hash, err := crypto.HashCode(testCode)
	if err != nil {
		t.Fatalf("hash code: %v", err)
	}
	cfg := config.ServiceConfig{JWTSecret: "router-secret", AdminCodeHash: hash, AccessTokenTTL: time.Minute}
	store := memory.New(logger)
	reg := prometheus.NewRegistry()
	if limiter == nil {
		limiter = newRateLimiterStub(1000)
	}
	router := NewRouter(logger, Options{
		Auth:               auth.New(store, logger, cfg),
		Distribution:       distribution.New(store, nil, distribution.NewMetrics(reg), logger, distribution.Options{SimulationTeamCount: 5}),
		Participants:       participant.New(store, store, logger),
		Limiter:            limiter,
		DefaultMaxTeamSize: 2,
		Registry:           reg,
		Gatherer:           reg,
	})
	t.Cleanup(router.Close)
	return &harness{router: router, store: store, reg: reg}
}

func (h *harness) seed(id int64, name, tags string) {
	h.store.SeedParticipant(domain.Participant{ID: id, DisplayName: name, Profile: "bio", Eligible: true}, tags)
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) login(t *testing.T, userID int64) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/auth/token", "", map[string]any{"user_id": userID, "code": testCode})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected token, got %d: %s", rec.Code, rec.Body.String())
	}
	var token auth.Token
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	return token.AccessToken
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	for _, path := range []string{"/colors", "/teams", "/participants/count"} {
		rec := h.do(t, http.MethodGet, path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, rec.Code)
		}
	}
	rec := h.do(t, http.MethodGet, "/teams", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestTokenExchangeRejectsWrongCode(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/auth/token", "", map[string]any{"user_id": 5, "code": "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if ok, _ := h.store.IsAdmin(context.Background(), 5); ok {
		t.Fatalf("user must not become admin")
	}
}

func TestColorsDistributeTeamsFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(1, "Ann", `["go","sql"]`)
	h.seed(2, "Bob", `["go"]`)
	h.seed(3, "Cid", `["rust"]`)
	token := h.login(t, 42)

	body := strings.NewReader(`{"quota":{"red":1,"blue":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/colors", body)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("setup colors: %d %s", rec.Code, rec.Body.String())
	}
	setup := decode[struct {
		Teams []domain.Team `json:"teams"`
	}](t, rec)
	if len(setup.Teams) != 2 || setup.Teams[0].Color != "red" || setup.Teams[1].Color != "blue" {
		t.Fatalf("unexpected teams: %+v", setup.Teams)
	}

	rec = h.do(t, http.MethodGet, "/colors", token, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `[{"color":"red","quota":1},{"color":"blue","quota":1}]`) {
		t.Fatalf("unexpected quota response: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodPost, "/distribution", token, map[string]int{"max_team_size": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("distribute: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[distribution.RunResult](t, rec)
	if result.RunID == "" || len(result.Assignments) != 3 {
		t.Fatalf("unexpected run result: %+v", result)
	}
	if result.Assignments[0].TeamID == result.Assignments[1].TeamID {
		t.Fatalf("conflicting participants share a team: %+v", result.Assignments)
	}

	rec = h.do(t, http.MethodGet, "/teams", token, nil)
	rosters := decode[struct {
		Teams []domain.TeamRoster `json:"teams"`
	}](t, rec)
	members := 0
	for _, team := range rosters.Teams {
		members += len(team.Members)
	}
	if members != 3 {
		t.Fatalf("expected 3 members across teams, got %d", members)
	}

	rec = h.do(t, http.MethodGet, "/participants/1/team", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("team of participant: %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(t, http.MethodDelete, "/teams", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear teams: %d", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/participants/1/team", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after clear, got %d", rec.Code)
	}
}

func TestDistributeRejectsNegativeTeamSize(t *testing.T) {
	h := newHarness(t, nil)
	token := h.login(t, 1)
	rec := h.do(t, http.MethodPost, "/distribution", token, map[string]int{"max_team_size": -1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestSetupColorsRejectsInvalidQuota(t *testing.T) {
	h := newHarness(t, nil)
	token := h.login(t, 1)
	rec := h.do(t, http.MethodPost, "/colors", token, map[string]any{"quota": map[string]int{"red": -2}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSimulateLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(1, "Ann", `["go"]`)
	h.seed(2, "Bob", `["go"]`)
	token := h.login(t, 9)

	rec := h.do(t, http.MethodPost, "/distribution/simulate", token, map[string]any{"team_count": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[distribution.RunResult](t, rec)
	if len(result.Report.Teams) != 2 || result.Report.OverallStats.TotalConflicts != 0 {
		t.Fatalf("unexpected simulation report: %+v", result.Report)
	}
	teams, err := h.store.ListTeams(context.Background())
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	if len(teams) != 0 {
		t.Fatalf("simulation persisted %d teams", len(teams))
	}
}

func TestParticipantRoutes(t *testing.T) {
	h := newHarness(t, nil)
	token := h.login(t, 3)

	rec := h.do(t, http.MethodPost, "/participants", token, map[string]any{"id": 10, "name": " Dee ", "profile": "hi", "eligible": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPut, "/participants/10/tags", token, map[string]any{"tags": []string{"go", "go", "ml"}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `["go","ml"]`) {
		t.Fatalf("save tags: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodPut, "/participants/99/tags", token, map[string]any{"tags": []string{"go"}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown participant, got %d", rec.Code)
	}
	rec = h.do(t, http.MethodPut, "/participants/abc/tags", token, map[string]any{"tags": []string{"go"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/participants/count", token, nil)
	count := decode[map[string]int](t, rec)
	if count["eligible"] != 1 {
		t.Fatalf("expected 1 eligible, got %v", count)
	}
	rec = h.do(t, http.MethodPost, "/participants/eligibility", token, map[string]bool{"eligible": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("eligibility: %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodGet, "/participants/count", token, nil)
	if count := decode[map[string]int](t, rec); count["eligible"] != 0 {
		t.Fatalf("expected 0 eligible, got %v", count)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	h := newHarness(t, newRateLimiterStub(1))
	token := h.login(t, 8)

	first := h.do(t, http.MethodGet, "/teams", token, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "120" {
		t.Fatalf("unexpected limit header %q", first.Header().Get("X-RateLimit-Limit"))
	}
	second := h.do(t, http.MethodGet, "/teams", token, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if got := testutil.ToFloat64(h.router.rateLimitHits.WithLabelValues("teams", "user")); got != 1 {
		t.Fatalf("expected one rate limit hit, got %v", got)
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	h.router.dbHealth = func(context.Context) error { return errors.New("connection refused") }
	rec = h.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRequestMetricsUseRouteTemplate(t *testing.T) {
	h := newHarness(t, nil)
	token := h.login(t, 4)
	h.do(t, http.MethodGet, "/participants/77/team", token, nil)
	got := testutil.ToFloat64(h.router.requestTotal.WithLabelValues(http.MethodGet, "/participants/:id/team", "404"))
	if got != 1 {
		t.Fatalf("expected one templated request, got %v", got)
	}
}

func TestAnnounceWithoutNotifierIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	token := h.login(t, 2)
	rec := h.do(t, http.MethodPost, "/teams/announce", token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDistributionEventStream(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hash, err := crypto.HashCode(testCode)
	if err != nil {
		t.Fatalf("hash code: %v", err)
	}
	store := memory.New(logger)
	hub := ws.NewHub()
	t.Cleanup(hub.Close)
	reg := prometheus.NewRegistry()
	cfg := config.ServiceConfig{JWTSecret: "router-secret", AdminCodeHash: hash, AccessTokenTTL: time.Minute}
	router := NewRouter(logger, Options{
		Auth:         auth.New(store, logger, cfg),
		Distribution: distribution.New(store, hub, nil, logger, distribution.Options{}),
		Participants: participant.New(store, store, logger),
		Hub:          hub,
		Limiter:      newRateLimiterStub(1000),
		Registry:     reg,
		Gatherer:     reg,
	})
	t.Cleanup(router.Close)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	authSvc := auth.New(store, logger, cfg)
	token, err := authSvc.Exchange(context.Background(), 5, testCode)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/distribution", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if n := hub.Subscribers(ws.TopicDistribution); n != 1 {
		t.Fatalf("expected one subscriber, got %d", n)
	}

	hub.Broadcast(ws.TopicDistribution, []byte(`{"type":"completed"}`))
	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if strings.TrimSpace(strings.TrimPrefix(line, "data: ")) != `{"type":"completed"}` {
				t.Fatalf("unexpected event %q", line)
			}
			return
		}
	}
	t.Fatalf("no event received")
}
