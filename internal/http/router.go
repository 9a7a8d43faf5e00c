package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Galaxerum/dif-bot/internal/allocation"
	"github.com/Galaxerum/dif-bot/internal/domain"
	"github.com/Galaxerum/dif-bot/internal/service/auth"
	"github.com/Galaxerum/dif-bot/internal/service/distribution"
	"github.com/Galaxerum/dif-bot/internal/service/participant"
	"github.com/Galaxerum/dif-bot/internal/ws"
)

// Options carries the router's collaborators.
type Options struct {
	Auth               auth.Service
	Distribution       distribution.Service
	Participants       participant.Service
	Hub                *ws.Hub
	Limiter            RateLimiter
	DBHealth           func(context.Context) error
	DefaultMaxTeamSize int
	Registry           prometheus.Registerer
	Gatherer           prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux             *http.ServeMux
	logger          *slog.Logger
	auth            auth.Service
	distribution    distribution.Service
	participants    participant.Service
	hub             *ws.Hub
	upgrader        websocket.Upgrader
	limiter         RateLimiter
	dbHealth        func(context.Context) error
	defaultTeamSize int
	gatherer        prometheus.Gatherer

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitToken     = 10
	rateLimitRun       = 12
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger,
		auth:         opts.Auth,
		distribution: opts.Distribution,
		participants: opts.Participants,
		hub:          opts.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:         opts.Limiter,
		dbHealth:        opts.DBHealth,
		defaultTeamSize: opts.DefaultMaxTeamSize,
		gatherer:        opts.Gatherer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.defaultTeamSize <= 0 {
		r.defaultTeamSize = 10
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics(opts.Registry)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/auth/token", r.audit(r.withRateLimit("auth_token", rateLimitToken, rateWindowDefault, rateLimitKeyIP, r.handleToken)))
	r.mux.HandleFunc("/colors", r.audit(r.handlerAuthRate("colors", rateLimitWrite, rateWindowDefault, r.handleColors)))
	r.mux.HandleFunc("/distribution", r.audit(r.handlerAuthRate("distribution", rateLimitRun, rateWindowDefault, r.handleDistribute)))
	r.mux.HandleFunc("/distribution/simulate", r.audit(r.handlerAuthRate("simulate", rateLimitRun, rateWindowDefault, r.handleSimulate)))
	r.mux.HandleFunc("/teams", r.audit(r.handlerAuthRate("teams", rateLimitRead, rateWindowDefault, r.handleTeams)))
	r.mux.HandleFunc("/participants", r.audit(r.handlerAuthRate("participants", rateLimitWrite, rateWindowDefault, r.handleParticipants)))
	r.mux.HandleFunc("/participants/count", r.audit(r.handlerAuthRate("participants", rateLimitRead, rateWindowDefault, r.handleParticipantCount)))
	r.mux.HandleFunc("/participants/eligibility", r.audit(r.handlerAuthRate("participants", rateLimitWrite, rateWindowDefault, r.handleEligibility)))
	r.mux.HandleFunc("/participants/", r.audit(r.handlerAuthRate("participants", rateLimitWrite, rateWindowDefault, r.handleParticipantSubroutes)))
	r.mux.HandleFunc("/teams/announce", r.audit(r.handlerAuthRate("announce", rateLimitRun, rateWindowDefault, r.handleAnnounce)))
	r.mux.HandleFunc("/ws/distribution", r.audit(r.handlerAuthRate("ws", rateLimitWebsocket, rateWindowRealtime, r.handleDistributionWS)))
	r.mux.HandleFunc("/events/distribution", r.audit(r.handlerAuthRate("sse", rateLimitWebsocket, rateWindowRealtime, r.handleDistributionSSE)))
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		UserID int64  `json:"user_id"`
		Code   string `json:"code"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	token, err := r.auth.Exchange(req.Context(), payload.UserID, payload.Code)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handleColors(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		quota, err := r.distribution.Quota(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"quota": quota})
	case http.MethodPost:
		var payload struct {
			Quota allocation.ColorQuota `json:"quota"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
			if errors.Is(err, allocation.ErrInvalidQuota) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		teams, err := r.distribution.SetupColors(req.Context(), payload.Quota)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"quota": payload.Quota,
			"teams": teams,
		})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) teamSize(requested int) int {
	if requested == 0 {
		return r.defaultTeamSize
	}
	return requested
}

func (r *Router) handleDistribute(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		MaxTeamSize int `json:"max_team_size"`
	}
	if req.ContentLength != 0 && !decodeBody(w, req, &payload) {
		return
	}
	result, err := r.distribution.Distribute(req.Context(), r.teamSize(payload.MaxTeamSize))
	if err != nil {
		if result.RunID == "" {
			r.writeServiceError(w, req, err)
			return
		}
		r.logger.Error("distribution run failed", "run_id", result.RunID, "error", err)
		writeJSON(w, statusFor(err), map[string]any{
			"error":       err.Error(),
			"run_id":      result.RunID,
			"assignments": result.Assignments,
			"report":      result.Report,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleSimulate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		MaxTeamSize int                    `json:"max_team_size"`
		Quota       *allocation.ColorQuota `json:"quota"`
		TeamCount   int                    `json:"team_count"`
	}
	if req.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
			msg := "invalid JSON body"
			if errors.Is(err, allocation.ErrInvalidQuota) {
				msg = err.Error()
			}
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	if payload.TeamCount < 0 {
		writeError(w, http.StatusBadRequest, "team_count must not be negative")
		return
	}
	result, err := r.distribution.Simulate(req.Context(), distribution.SimulateOptions{
		MaxTeamSize: r.teamSize(payload.MaxTeamSize),
		Quota:       payload.Quota,
		TeamCount:   payload.TeamCount,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		teams, err := r.distribution.Teams(req.Context())
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"teams": teams})
	case http.MethodDelete:
		if err := r.distribution.ClearAllTeams(req.Context()); err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleAnnounce(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.distribution.Announce(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleParticipants(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var p domain.Participant
	if !decodeBody(w, req, &p) {
		return
	}
	if err := r.participants.Upsert(req.Context(), &p); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (r *Router) handleParticipantCount(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	count, err := r.participants.CountEligible(req.Context())
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"eligible": count})
}

func (r *Router) handleEligibility(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Eligible *bool `json:"eligible"`
	}
	if !decodeBody(w, req, &payload) {
		return
	}
	if payload.Eligible == nil {
		writeError(w, http.StatusBadRequest, "eligible is required")
		return
	}
	changed, err := r.participants.SetEligibility(req.Context(), *payload.Eligible)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"eligible": *payload.Eligible, "changed": changed})
}

// handleParticipantSubroutes serves /participants/{id}/tags and /participants/{id}/team.
func (r *Router) handleParticipantSubroutes(w http.ResponseWriter, req *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/participants/"), "/"), "/")
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid participant id")
		return
	}
	switch parts[1] {
	case "tags":
		if req.Method != http.MethodPut {
			r.methodNotAllowed(w)
			return
		}
		var payload struct {
			Tags []string `json:"tags"`
		}
		if !decodeBody(w, req, &payload) {
			return
		}
		tags, err := r.participants.SaveTags(req.Context(), id, payload.Tags)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "tags": tags})
	case "team":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		team, err := r.participants.TeamOf(req.Context(), id)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, team)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleDistributionWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(ws.TopicDistribution, client)
	go func() {
		defer func() {
			r.hub.Unregister(ws.TopicDistribution, client)
			client.Close()
		}()
		client.Drain()
	}()
}

func (r *Router) handleDistributionSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(ws.TopicDistribution, client)
	defer r.hub.Unregister(ws.TopicDistribution, client)
	// Headers reach the peer only once the subscription is live.
	if err := client.Heartbeat(); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	status := "ok"
	components := map[string]any{}
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "admin"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
