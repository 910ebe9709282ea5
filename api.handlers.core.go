package main

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Statistics holds app stats for ops.
type Statistics struct {
	version   string
	container bool
	runtime   string
	platform  string
	called    uint64
	started   time.Time
	status    map[int]uint64
	mu        *sync.RWMutex
}

// Maintenance holds app maintenance mode infos. The flag is read on
// every public request, the details only under the lock.
type Maintenance struct {
	enabled atomic.Bool
	mu      sync.RWMutex
	message string
	started time.Time
}

// Enable turns the maintenance mode on with the message shown to visitors.
func (m *Maintenance) Enable(message string, started time.Time) {
	m.mu.Lock()
	m.message = message
	m.started = started
	m.mu.Unlock()
	m.enabled.Store(true)
}

// Disable turns the maintenance mode off.
func (m *Maintenance) Disable() {
	m.enabled.Store(false)
	m.mu.Lock()
	m.message = ""
	m.started = time.Time{}
	m.mu.Unlock()
}

// Details returns the message and the start time of the maintenance.
func (m *Maintenance) Details() (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message, m.started
}

// APIHandler defines the API handler.
type APIHandler struct {
	logger      *zap.Logger
	config      *Config
	stats       *Statistics
	mode        *Maintenance
	clock       Clocker
	idsHandler  UIDHandler
	bookService BookServiceProvider
	ratings     RatingsProvider
	renderer    Renderer
	csrf        *CSRFProtection
	metrics     *Metrics
	limiter     *IPRateLimiter
}

// NewAPIHandler provides a new instance of APIHandler.
func NewAPIHandler(
	logger *zap.Logger,
	config *Config,
	stats *Statistics,
	clock Clocker,
	idsHandler UIDHandler,
	bs BookServiceProvider,
	ratings RatingsProvider,
	renderer Renderer,
	csrf *CSRFProtection,
	metrics *Metrics,
) *APIHandler {
	m := &Maintenance{}
	m.enabled.Store(false)
	stats.status = make(map[int]uint64)
	stats.mu = &sync.RWMutex{}
	api := &APIHandler{
		logger:      logger,
		config:      config,
		stats:       stats,
		mode:        m,
		clock:       clock,
		idsHandler:  idsHandler,
		bookService: bs,
		ratings:     ratings,
		renderer:    renderer,
		csrf:        csrf,
		metrics:     metrics,
	}
	if config != nil && config.Server.RateLimit > 0 {
		api.limiter = NewIPRateLimiter(config.Server.RateLimit, config.Server.RateBurst, clock)
	}
	return api
}

// render builds the page in memory first so a template failure never
// leaves a half written response, then sends it with the given status.
func (api *APIHandler) render(w http.ResponseWriter, r *http.Request, status int, page string, view interface{}) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	buf := &bytes.Buffer{}
	if err := api.renderer.Render(buf, page, view); err != nil {
		api.logger.Error("failed to render page", zap.String("request.id", requestID), zap.String("page", page), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if err := WriteHTML(r.Context(), w, status, buf); err != nil {
		api.logger.Error("failed to send page", zap.String("request.id", requestID), zap.String("page", page), zap.Error(err))
	}
}

// RenderError is the single place where failed requests end. It maps the
// error to a status code, logs it and renders the error page.
func (api *APIHandler) RenderError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	status, message := http.StatusInternalServerError, "Something went wrong while processing your request."

	switch {
	case errors.Is(err, ErrBookNotFound):
		status, message = http.StatusNotFound, "The requested book could not be found."
	case errors.Is(err, ErrPageNotFound):
		status, message = http.StatusNotFound, "The requested page could not be found."
	case errors.Is(err, ErrMethodNotAllowed):
		status, message = http.StatusMethodNotAllowed, "This action is not allowed on the requested page."
	case errors.Is(err, ErrInvalidCSRFToken):
		status, message = http.StatusForbidden, "The form has expired or was tampered with. Please go back, reload and try again."
	case errors.Is(err, ErrRatingsUnavailable):
		status, message = http.StatusBadGateway, "The ratings service is currently unavailable. Please try again later."
	case errors.Is(err, ErrTooManyRequests):
		status, message = http.StatusTooManyRequests, "Too many requests. Please slow down."
	case errors.Is(err, ErrMaintenanceMode):
		status, message = http.StatusServiceUnavailable, "Service currently unavailable."
		if msg, _ := api.mode.Details(); msg != "" {
			message = msg
		}
	case errors.Is(err, ErrBadRequest):
		status, message = http.StatusBadRequest, "The request could not be understood."
	}

	fields := []zap.Field{
		zap.String("request.id", requestID),
		zap.String("request.method", r.Method),
		zap.String("request.path", r.URL.Path),
		zap.Int("response.status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		api.logger.Error("request failed", fields...)
	} else {
		api.logger.Warn("request rejected", fields...)
	}

	api.render(w, r, status, PageError, ErrorView{
		Title:     http.StatusText(status),
		Status:    status,
		Message:   message,
		RequestID: requestID,
	})
}

// NotFound renders the error page for unknown routes.
func (api *APIHandler) NotFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.RenderError(w, r, ErrPageNotFound)
	})
}

// MethodNotAllowed renders the error page for known routes called with another method.
func (api *APIHandler) MethodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.RenderError(w, r, ErrMethodNotAllowed)
	})
}

// csrfToken returns the anti-forgery token minted for this request.
func csrfToken(r *http.Request) string {
	return GetValueFromContext(r.Context(), CSRFTokenContextKey)
}
