package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/csrf"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MiddlewareFunc is a custom type for ease of use.
type MiddlewareFunc func(httprouter.Handle) httprouter.Handle

// Middlewares is a custom type to represent a stack of
// middleware functions used to build a single chain.
type Middlewares []MiddlewareFunc

// MiddlewareMap contains the chains used by each family of routes.
// The forms chain adds the anti-forgery check to the public one. The
// bookForms chain rejects non numeric book ids before that check.
type MiddlewareMap struct {
	public    MiddlewareFunc
	forms     MiddlewareFunc
	bookForms MiddlewareFunc
	ops       MiddlewareFunc
}

// MiddlewaresStacks builds the public, forms, bookForms and ops middlewares stacks.
func (api *APIHandler) MiddlewaresStacks() (*Middlewares, *Middlewares, *Middlewares, *Middlewares) {
	public := &Middlewares{
		api.RequestIDMiddleware,
		api.RequestsCounterMiddleware,
		api.CoreMiddleware,
		api.PanicRecoveryMiddleware,
		api.RateLimitMiddleware,
		api.MaintenanceModeMiddleware,
	}
	forms := append(append(Middlewares{}, *public...), api.CSRFMiddleware)
	bookForms := append(append(Middlewares{}, *public...), api.BookIDMiddleware, api.CSRFMiddleware)
	ops := &Middlewares{
		api.RequestIDMiddleware,
		api.RequestsCounterMiddleware,
		api.CoreMiddleware,
		api.PanicRecoveryMiddleware,
	}
	return public, &forms, &bookForms, ops
}

// CoreMiddleware measures the duration of each request, logs its result
// and records its status code into the statistics and the metrics.
func (api *APIHandler) CoreMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		requestID := GetValueFromContext(r.Context(), RequestIDContextKey)

		api.logger.Info(
			"request",
			zap.String("request.id", requestID),
			zap.Uint64("request.num", GetRequestNumberFromContext(r.Context())),
			zap.String("request.method", r.Method),
			zap.String("request.path", r.URL.Path),
			zap.String("request.ip", GetRequestSourceIP(r)),
			zap.String("request.agent", r.UserAgent()),
			zap.String("request.referer", r.Referer()),
		)

		cw := NewCustomResponseWriter(w)
		next(cw, r, ps)

		duration := time.Since(start)
		api.stats.mu.Lock()
		api.stats.status[cw.Status()]++
		api.stats.mu.Unlock()
		api.metrics.ObserveRequest(r.Method, routeLabel(r.URL.Path), cw.Status(), duration)

		api.logger.Info(
			"response",
			zap.String("request.id", requestID),
			zap.String("request.method", r.Method),
			zap.String("request.path", r.URL.Path),
			zap.Int("response.status", cw.Status()),
			zap.Int("response.bytes", cw.Bytes()),
			zap.Duration("request.duration", duration),
		)
	}
}

// routeLabel replaces the book id of a path by a placeholder
// to keep the metrics labels cardinality bounded.
func routeLabel(path string) string {
	if !strings.HasPrefix(path, "/book/") {
		return path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/book/"), "/", 2)
	if len(parts) == 2 {
		return "/book/" + parts[0] + "/:id"
	}
	return path
}

// RequestsCounterMiddleware increments the number of received requests statistics and add this
// new value to the request context to be used during logging as `request.num` field.
func (api *APIHandler) RequestsCounterMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), RequestNumberContextKey, atomic.AddUint64(&api.stats.called, 1))
		r = r.WithContext(ctx)
		next(w, r, ps)
	}
}

// RequestIDMiddleware generates and add a unique id to the request context.
func (api *APIHandler) RequestIDMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		requestID := api.idsHandler.Generate(RequestIDPrefix)
		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		r = r.WithContext(ctx)
		next(w, r, ps)
	}
}

// PanicRecoveryMiddleware catches any panic during the request lifecycle and
// renders the error page with 500. The panic value goes into the error log.
func (api *APIHandler) PanicRecoveryMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		defer func() {
			if err := recover(); err != nil {
				api.RenderError(w, r, fmt.Errorf("panic occurred: %v", err))
			}
		}()
		next(w, r, ps)
	}
}

// RateLimitMiddleware rejects callers exceeding their requests budget.
func (api *APIHandler) RateLimitMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if api.limiter != nil && !api.limiter.Allow(GetRequestSourceIP(r)) {
			api.RenderError(w, r, ErrTooManyRequests)
			return
		}
		next(w, r, ps)
	}
}

// MaintenanceModeMiddleware answers every public request with the
// maintenance page while the mode is enabled from the ops endpoint.
func (api *APIHandler) MaintenanceModeMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if api.mode.enabled.Load() {
			api.RenderError(w, r, ErrMaintenanceMode)
			return
		}
		next(w, r, ps)
	}
}

// BookIDMiddleware answers with the not found page when the `id` parameter
// is not made of digits only, as the route would not match such path.
func (api *APIHandler) BookIDMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if _, ok := ParseBookID(ps.ByName("id"), true); !ok {
			api.RenderError(w, r, ErrPageNotFound)
			return
		}
		next(w, r, ps)
	}
}

// CSRFMiddleware runs the gorilla/csrf protection around the route. Unsafe
// requests without a valid token end on the error page with 403. The token
// for the page about to be rendered goes into the request context.
func (api *APIHandler) CSRFMiddleware(next httprouter.Handle) httprouter.Handle {
	failure := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.RenderError(w, r, CSRFFailure(r))
	})
	protected := api.csrf.Protect(failure)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), CSRFTokenContextKey, csrf.Token(r))
		next(w, r.WithContext(ctx), httprouter.ParamsFromContext(r.Context()))
	}))
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), httprouter.ParamsKey, ps)
		protected.ServeHTTP(w, r.WithContext(ctx))
	}
}

// Chain wraps a given httprouter.Handle with a list of middlewares.
// It does by starting from the last middleware from the list.
func (m *Middlewares) Chain(h httprouter.Handle) httprouter.Handle {
	if len(*m) == 0 {
		return h
	}
	lg := len(*m)
	handle := (*m)[lg-1](h)

	for i := lg - 2; i >= 0; i-- {
		handle = (*m)[i](handle)
	}

	return handle
}

const (
	visitorIdleTTL    = 3 * time.Minute
	visitorSweepEvery = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter holds one token bucket per client ip. Idle
// buckets are dropped while serving, at most once per minute.
type IPRateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	clock     Clocker
	lastSweep time.Time
}

// NewIPRateLimiter allows each ip `r` requests per second with bursts of `burst`.
func NewIPRateLimiter(r float64, burst int, clock Clocker) *IPRateLimiter {
	return &IPRateLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(r),
		burst:     burst,
		clock:     clock,
		lastSweep: clock.Now(),
	}
}

// Allow reports whether the given ip can be served now.
func (l *IPRateLimiter) Allow(ip string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= visitorSweepEvery {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= visitorIdleTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
