package httpx

import (
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const memorySweepEvery = 5 * time.Minute

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

// RateLimits tunes the per-identity budgets. Zero fields use the defaults.
type RateLimits struct {
	SubmissionsPerHour int
	ConcurrentPolls    int
}

// ratePolicy is one row of the route budget table. Requests whose method is
// not listed in methods pass through untouched; an empty list matches all.
type ratePolicy struct {
	scope   string
	limit   int
	window  time.Duration
	byIP    bool
	methods []string
}

func (p ratePolicy) applies(method string) bool {
	return len(p.methods) == 0 || slices.Contains(p.methods, method)
}

func (r *Router) policies() map[string]ratePolicy {
	submitLimit := r.limits.SubmissionsPerHour
	if submitLimit <= 0 {
		submitLimit = rateLimitSubmission
	}
	return map[string]ratePolicy{
		"webhook": {scope: "webhook", limit: rateLimitWebhook, window: rateWindowDefault, byIP: true},
		"read":    {scope: "read", limit: rateLimitUserRead, window: rateWindowDefault, methods: []string{http.MethodGet}},
		"poll":    {scope: "poll", limit: rateLimitStatusPoll, window: rateWindowDefault},
		"submit":  {scope: "submit", limit: submitLimit, window: time.Hour, methods: []string{http.MethodPost}},
		"stream":  {scope: "stream", limit: rateLimitStream, window: rateWindowRealtime},
	}
}

// limited charges the request against the named policy's bucket. Buckets are
// keyed by scope and caller so one route cannot drain another's budget.
func (r *Router) limited(name string, next http.HandlerFunc) http.HandlerFunc {
	policy, ok := r.rules[name]
	if !ok {
		panic("httpx: unknown rate policy " + name)
	}
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil || policy.limit <= 0 || !policy.applies(req.Method) {
			next(w, req)
			return
		}
		subject := r.rateSubject(req, policy.byIP)
		decision := r.limiter.Allow(policy.scope+":"+subject, policy.limit, policy.window)
		setRateHeaders(w.Header(), policy.limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(policy.scope, subjectKind(subject))
			writeCodedError(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// gatePolls caps the long polls one identity may hold open at once. Each poll
// pins a connection for up to attempts x interval.
func (r *Router) gatePolls(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		subject := r.rateSubject(req, false)
		if !r.polls.acquire(subject) {
			r.recordRateLimitHit("poll_concurrency", subjectKind(subject))
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(r.pollBudget().Seconds()))))
			writeCodedError(w, http.StatusTooManyRequests, codeRateLimited, "too many status polls in progress")
			return
		}
		defer r.polls.release(subject)
		next(w, req)
	}
}

func (r *Router) pollBudget() time.Duration {
	return time.Duration(r.pollAttempts) * r.pollInterval
}

func (r *Router) rateSubject(req *http.Request, byIP bool) string {
	if !byIP {
		if info, ok := authInfoFromContext(req.Context()); ok && info.Identity != "" {
			return "user:" + info.Identity
		}
	}
	ip := r.clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

func subjectKind(subject string) string {
	kind, _, found := strings.Cut(subject, ":")
	if !found || kind == "" {
		return "unknown"
	}
	return kind
}

// clientIP prefers the first X-Forwarded-For hop only when the deployment
// sits behind a proxy that overwrites that header.
func (r *Router) clientIP(req *http.Request) string {
	if r.trustProxy {
		first, _, _ := strings.Cut(req.Header.Get("X-Forwarded-For"), ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(req.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func setRateHeaders(h http.Header, limit int, decision rateDecision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(limit-decision.count, 0)))
	if !decision.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

type pollGate struct {
	mu   sync.Mutex
	max  int
	held map[string]int
}

func newPollGate(limit int) *pollGate {
	if limit <= 0 {
		limit = defaultConcurrentPolls
	}
	return &pollGate{max: limit, held: make(map[string]int)}
}

func (g *pollGate) acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] >= g.max {
		return false
	}
	g.held[key]++
	return true
}

func (g *pollGate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[key] <= 1 {
		delete(g.held, key)
		return
	}
	g.held[key]--
}

// memoryRateLimiter keeps windows in process memory. Expired windows are
// dropped lazily during Allow, so no background goroutine is needed.
type memoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]rateDecision
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryRateLimiter returns a limiter local to this process.
func NewMemoryRateLimiter() RateLimiter {
	return &memoryRateLimiter{windows: make(map[string]rateDecision), now: time.Now}
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(now)

	current, ok := rl.windows[key]
	if !ok || !now.Before(current.windowEnd) {
		current = rateDecision{windowEnd: now.Add(window)}
	}
	if current.count >= limit {
		current.allowed = false
		return current
	}
	current.count++
	current.allowed = true
	rl.windows[key] = current
	return current
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	if now.Before(rl.nextSweep) {
		return
	}
	rl.nextSweep = now.Add(memorySweepEvery)
	for key, w := range rl.windows {
		if !now.Before(w.windowEnd) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {}
