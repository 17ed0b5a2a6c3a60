package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/sheetledger/internal/domain"
	"github.com/splax/sheetledger/internal/service/account"
	"github.com/splax/sheetledger/internal/service/submission"
	"github.com/splax/sheetledger/internal/ws"
)

const (
	routeHealthz           = "/healthz"
	routeMetrics           = "/metrics"
	routeAccountWebhook    = "/webhooks/accounts"
	routeMe                = "/v1/me"
	routeProvisioning      = "/v1/provisioning-status"
	routeSubmissions       = "/v1/submissions"
	routeProvisioningWS    = "/ws/provisioning"
	routeProvisioningSSE   = "/v1/provisioning/events"
	rateWindowDefault      = time.Minute
	rateWindowRealtime     = 30 * time.Second
	rateLimitWebhook       = 120
	rateLimitUserRead      = 120
	rateLimitStatusPoll    = 60
	rateLimitSubmission    = 30
	defaultConcurrentPolls = 2
	rateLimitStream        = 30
	healthCheckTimeout     = 2 * time.Second
	defaultPollAttempts    = 30
	defaultPollInterval    = time.Second
	sseHeartbeatInterval   = 15 * time.Second
	maxWebhookBody         = 1 << 20
	multipartMemoryBudget  = 8 << 20
)

// Accounts exposes the account lifecycle to handlers.
type Accounts interface {
	Get(ctx context.Context, identity string) (*domain.User, error)
	HandleEvent(ctx context.Context, evt account.Event) (*domain.User, error)
	ValidateSignature(payload []byte, provided string) error
}

// Submissions exposes the document workflow to handlers.
type Submissions interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Outcome, error)
	History(ctx context.Context, identity string, limit int) ([]domain.Submission, error)
	Fee() int64
}

// StatusPoller waits for a user's provisioning to finish.
type StatusPoller interface {
	WaitForProvisioning(ctx context.Context, identity string, maxAttempts int, interval time.Duration) (*domain.User, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(context.Context) error

// Dependencies wires services into the router.
type Dependencies struct {
	Logger         *slog.Logger
	Resolver       Resolver
	Accounts       Accounts
	Submissions    Submissions
	Poller         StatusPoller
	Hub            *ws.Hub
	Limiter        RateLimiter
	HealthChecks   map[string]HealthCheck
	PollAttempts   int
	PollInterval   time.Duration
	MaxUploadBytes int64
	RateLimits     RateLimits

	// TrustProxyHeaders takes the caller address from X-Forwarded-For.
	TrustProxyHeaders bool
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	resolver     Resolver
	accounts     Accounts
	submissions  Submissions
	poller       StatusPoller
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	limits       RateLimits
	rules        map[string]ratePolicy
	polls        *pollGate
	trustProxy   bool
	healthChecks map[string]HealthCheck
	pollAttempts int
	pollInterval time.Duration
	maxUpload    int64

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Dependencies) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      deps.Logger,
		resolver:    deps.Resolver,
		accounts:    deps.Accounts,
		submissions: deps.Submissions,
		poller:      deps.Poller,
		hub:         deps.Hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		limits:       deps.RateLimits,
		polls:        newPollGate(deps.RateLimits.ConcurrentPolls),
		trustProxy:   deps.TrustProxyHeaders,
		healthChecks: deps.HealthChecks,
		pollAttempts: deps.PollAttempts,
		pollInterval: deps.PollInterval,
		maxUpload:    deps.MaxUploadBytes,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.pollAttempts <= 0 {
		r.pollAttempts = defaultPollAttempts
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	r.rules = r.policies()
	r.initMetrics()
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
	r.mux.HandleFunc(routeHealthz, r.audit(routeHealthz, r.handleHealthz))
	r.mux.Handle(routeMetrics, promhttp.Handler())
	r.mux.HandleFunc(routeAccountWebhook, r.audit(routeAccountWebhook, r.limited("webhook", r.handleAccountWebhook)))
	r.mux.HandleFunc(routeMe, r.audit(routeMe, r.requireAuth(r.limited("read", r.handleMe))))
	r.mux.HandleFunc(routeProvisioning, r.audit(routeProvisioning, r.requireAuth(r.limited("poll", r.gatePolls(r.handleProvisioningStatus)))))
	r.mux.HandleFunc(routeSubmissions, r.audit(routeSubmissions, r.requireAuth(r.limited("submit", r.limited("read", r.handleSubmissions)))))
	r.mux.HandleFunc(routeProvisioningWS, r.audit(routeProvisioningWS, r.requireAuth(r.limited("stream", r.handleProvisioningWS))))
	r.mux.HandleFunc(routeProvisioningSSE, r.audit(routeProvisioningSSE, r.requireAuth(r.limited("stream", r.handleProvisioningSSE))))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.healthChecks))
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

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
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
		}
		if ip := r.clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "identity", info.Identity)
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "identity_provider"
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
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) callerInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
	}
	return info, ok
}
