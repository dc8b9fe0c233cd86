package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/sitedeploy/internal/domain"
	"github.com/splax/sitedeploy/internal/repository"
	"github.com/splax/sitedeploy/internal/service/circuit"
	"github.com/splax/sitedeploy/internal/service/logs"
	"github.com/splax/sitedeploy/internal/ws"
	"github.com/splax/sitedeploy/pkg/logger"
)

// Orchestrator runs deployments on behalf of the API.
type Orchestrator interface {
	Orchestrate(ctx context.Context, dctx domain.DeploymentContext) domain.OrchestrationResult
	Start(ctx context.Context, dctx domain.DeploymentContext) (string, error)
}

// DeploymentLogs reads deployment history.
type DeploymentLogs interface {
	GetDeployment(ctx context.Context, deploymentID string) (*domain.DeploymentRecord, error)
	ListDeployments(ctx context.Context, tenantID string, limit int) ([]domain.DeploymentRecord, error)
	ListAgentLogs(ctx context.Context, deploymentID string, limit, offset int) ([]domain.AgentLogEntry, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Config carries Router dependencies. Hub may be nil to disable streaming.
type Config struct {
	Logger           *slog.Logger
	Orchestrator     Orchestrator
	Logs             DeploymentLogs
	Hub              *ws.Hub
	Breaker          circuit.Breaker
	Limiter          RateLimiter
	JWTSecret        string
	DeployRateLimit  int
	DeployRateWindow time.Duration
	HealthChecks     map[string]HealthCheck
	Registerer       prometheus.Registerer
	Gatherer         prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux              *http.ServeMux
	logger           *slog.Logger
	orchestrator     Orchestrator
	logs             DeploymentLogs
	hub              *ws.Hub
	breaker          circuit.Breaker
	upgrader         websocket.Upgrader
	limiter          RateLimiter
	jwtSecret        string
	deployRateLimit  int
	deployRateWindow time.Duration
	healthChecks     map[string]HealthCheck
	metrics          *httpMetrics
	gatherer         prometheus.Gatherer
	heartbeat        time.Duration
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	defaultListLimit   = 20
	defaultLogLimit    = 100
	maxListLimit       = 500
	replayLimit        = 1000
)

// NewRouter assembles routes with dependencies.
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       cfg.Logger,
		orchestrator: cfg.Orchestrator,
		logs:         cfg.Logs,
		hub:          cfg.Hub,
		breaker:      cfg.Breaker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:          cfg.Limiter,
		jwtSecret:        cfg.JWTSecret,
		deployRateLimit:  cfg.DeployRateLimit,
		deployRateWindow: cfg.DeployRateWindow,
		healthChecks:     cfg.HealthChecks,
		metrics:          newHTTPMetrics(cfg.Registerer),
		gatherer:         cfg.Gatherer,
		heartbeat:        sseHeartbeat,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.deployRateWindow <= 0 {
		r.deployRateWindow = rateWindowDefault
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
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
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("POST /deployments", r.audit("/deployments", r.handlerAuthTenantRate("/deployments", r.deployRateLimit, r.deployRateWindow, r.handleSubmitDeployment)))
	r.mux.HandleFunc("GET /deployments", r.audit("/deployments", r.handlerAuthRate("/deployments", rateLimitUserRead, rateWindowDefault, r.handleListDeployments)))
	r.mux.HandleFunc("GET /deployments/{id}", r.audit("/deployments/{id}", r.handlerAuthRate("/deployments/{id}", rateLimitUserRead, rateWindowDefault, r.handleGetDeployment)))
	r.mux.HandleFunc("GET /deployments/{id}/logs", r.audit("/deployments/{id}/logs", r.handlerAuthRate("/deployments/{id}/logs", rateLimitUserRead, rateWindowDefault, r.handleDeploymentLogs)))
	r.mux.HandleFunc("GET /ws/deployments", r.audit("/ws/deployments", r.handlerAuthRate("/ws/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentWS)))
	r.mux.HandleFunc("GET /sse/deployments", r.audit("/sse/deployments", r.handlerAuthRate("/sse/deployments", rateLimitWebsocket, rateWindowRealtime, r.handleDeploymentSSE)))
	r.mux.HandleFunc("GET /tenants/{id}/circuit", r.audit("/tenants/{id}/circuit", r.handlerAuthRate("/tenants/{id}/circuit", rateLimitUserRead, rateWindowDefault, r.handleCircuitStatus)))
	r.mux.HandleFunc("/", r.audit("other", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
}

func (r *Router) handleSubmitDeployment(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	var dctx domain.DeploymentContext
	if err := decodeJSON(w, req, &dctx); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dctx.TenantID = strings.TrimSpace(dctx.TenantID)
	dctx.SiteID = strings.TrimSpace(dctx.SiteID)
	if dctx.TenantID == "" || dctx.SiteID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and site_id are required")
		return
	}
	if dctx.TenantID != info.TenantID {
		r.logger.Warn("deployment tenant does not match token", "tenant_id", dctx.TenantID, "team_id", info.TenantID, "user_id", info.UserID)
		writeError(w, http.StatusForbidden, "token is not authorized for this tenant")
		return
	}
	dctx.OperatorID = info.UserID

	if wait, _ := strconv.ParseBool(req.URL.Query().Get("wait")); wait {
		result := r.orchestrator.Orchestrate(req.Context(), dctx)
		writeJSON(w, http.StatusOK, result)
		return
	}
	id, err := r.orchestrator.Start(req.Context(), dctx)
	if err != nil {
		logger.FromContext(req.Context(), r.logger).Error("failed to start deployment", "tenant_id", dctx.TenantID, "site_id", dctx.SiteID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start deployment")
		return
	}
	w.Header().Set("Location", "/deployments/"+id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"deployment_id": id,
		"status":        domain.StatusPending,
	})
}

func (r *Router) handleListDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	limit := queryInt(req, "limit", defaultListLimit)
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	records, err := r.logs.ListDeployments(req.Context(), info.TenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(records))
	for _, record := range records {
		payload = append(payload, marshalDeployment(record, false))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleGetDeployment(w http.ResponseWriter, req *http.Request) {
	record, ok := r.loadDeployment(w, req, req.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, marshalDeployment(*record, true))
}

func (r *Router) handleDeploymentLogs(w http.ResponseWriter, req *http.Request) {
	record, ok := r.loadDeployment(w, req, req.PathValue("id"))
	if !ok {
		return
	}
	limit := queryInt(req, "limit", defaultLogLimit)
	if limit == 0 {
		limit = defaultLogLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(req, "offset", 0)
	entries, err := r.logs.ListAgentLogs(req.Context(), record.ID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, marshalAgentLog(entry))
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	record, ok := r.loadStreamDeployment(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	done := r.trackStream("websocket")
	if !r.subscribe(req.Context(), record, client) {
		done()
		return
	}
	go func() {
		defer done()
		client.Drain()
		r.hub.Unregister(record.ID, client)
		client.Close()
	}()
}

func (r *Router) handleDeploymentSSE(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	record, ok := r.loadStreamDeployment(w, req)
	if !ok {
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	defer r.trackStream("sse")()
	if !r.subscribe(req.Context(), record, client) {
		<-client.Done()
		return
	}
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			return
		case <-req.Context().Done():
			// The hub writer owns the response until it closes the client.
			r.hub.Unregister(record.ID, client)
			<-client.Done()
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				r.hub.Unregister(record.ID, client)
				<-client.Done()
				return
			}
		}
	}
}

// subscribe attaches client to the deployment stream. Finished deployments
// are replayed from the log store and the client is closed; it reports
// whether the client is now following a live stream.
func (r *Router) subscribe(ctx context.Context, record *domain.DeploymentRecord, client ws.Subscriber) bool {
	if !record.Status.Terminal() {
		r.hub.Register(record.ID, client)
		current, err := r.logs.GetDeployment(ctx, record.ID)
		if err != nil || !current.Status.Terminal() {
			return true
		}
		// Finished between the lookup and Register; the finish event may
		// have been published before the client joined.
		r.hub.Unregister(record.ID, client)
		return false
	}
	entries, err := r.logs.ListAgentLogs(ctx, record.ID, replayLimit, 0)
	if err != nil {
		r.logger.Warn("agent log replay failed", "deployment_id", record.ID, "error", err)
	}
	for _, entry := range entries {
		payload, err := logs.MarshalEntry(entry)
		if err != nil {
			continue
		}
		if err := client.Send(payload); err != nil {
			break
		}
	}
	client.Close()
	return false
}

func (r *Router) handleCircuitStatus(w http.ResponseWriter, req *http.Request) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return
	}
	tenantID := req.PathValue("id")
	if tenantID != info.TenantID {
		writeError(w, http.StatusForbidden, "token is not authorized for this tenant")
		return
	}
	if r.breaker == nil {
		writeError(w, http.StatusServiceUnavailable, "circuit breaker unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"failures":  r.breaker.Failures(req.Context(), tenantID),
		"open":      r.breaker.IsOpen(req.Context(), tenantID),
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	for name, check := range r.healthChecks {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[name] = map[string]any{"status": "up"}
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

func (r *Router) requireAuthInfo(w http.ResponseWriter, req *http.Request) (operator, bool) {
	info, ok := operatorFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}

// loadDeployment fetches a deployment visible to the caller's tenant. Other
// tenants' deployments are reported as not found.
func (r *Router) loadDeployment(w http.ResponseWriter, req *http.Request, deploymentID string) (*domain.DeploymentRecord, bool) {
	info, ok := r.requireAuthInfo(w, req)
	if !ok {
		return nil, false
	}
	deploymentID = strings.TrimSpace(deploymentID)
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment id required")
		return nil, false
	}
	record, err := r.logs.GetDeployment(req.Context(), deploymentID)
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrInvalidArgument):
		r.notFound(w)
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if record.TenantID != info.TenantID {
		r.logger.Warn("cross-tenant deployment read rejected", "deployment_id", deploymentID, "team_id", info.TenantID)
		r.notFound(w)
		return nil, false
	}
	return record, true
}

func (r *Router) loadStreamDeployment(w http.ResponseWriter, req *http.Request) (*domain.DeploymentRecord, bool) {
	deploymentID := req.URL.Query().Get("deployment_id")
	if deploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id query parameter required")
		return nil, false
	}
	return r.loadDeployment(w, req, deploymentID)
}

func marshalDeployment(record domain.DeploymentRecord, withResult bool) map[string]any {
	item := map[string]any{
		"id":          record.ID,
		"tenant_id":   record.TenantID,
		"site_id":     record.SiteID,
		"website_id":  record.WebsiteID,
		"operator_id": record.OperatorID,
		"status":      record.Status,
		"attempts":    record.Attempts,
		"hosting_url": record.HostingURL,
		"error":       record.Error,
		"started_at":  record.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if record.CompletedAt != nil {
		item["completed_at"] = record.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	if withResult && len(record.Result) > 0 {
		item["result"] = record.Result
	}
	return item
}

func marshalAgentLog(entry domain.AgentLogEntry) map[string]any {
	item := map[string]any{
		"id":            entry.ID,
		"deployment_id": entry.DeploymentID,
		"tenant_id":     entry.TenantID,
		"agent":         entry.Agent,
		"attempt":       entry.Attempt,
		"created_at":    entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(entry.Payload) > 0 {
		item["payload"] = entry.Payload
	}
	return item
}

func queryInt(req *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		req = req.WithContext(logger.WithRequestID(req.Context(), reqID))

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
		r.recordRequestMetrics(req.Method, route, status, duration)

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
		if info, ok := operatorFromContext(ctx); ok {
			actor = "operator"
			fields = append(fields, "user_id", info.UserID, "tenant_id", info.TenantID)
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
	if sr.status == 0 {
		sr.status = code
	}
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
		conn, rw, err := h.Hijack()
		if err == nil && sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return conn, rw, err
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
		if !decision.allowed {
			retry := int(time.Until(decision.windowEnd).Seconds()) + 1
			headers.Set("Retry-After", strconv.Itoa(retry))
		}
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
