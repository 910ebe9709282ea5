package main

import (
	"expvar"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// writeJSON sends a json document built from the given value.
func (api *APIHandler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}, what string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Error("failed to send "+what+" response",
			zap.String("request.id", GetValueFromContext(r.Context(), RequestIDContextKey)),
			zap.Error(err),
		)
	}
}

// Status provides basics details about the application to the public users.
func (api *APIHandler) Status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"requestid": GetValueFromContext(r.Context(), RequestIDContextKey),
		"status":    fmt.Sprintf("up & running since %.0f mins", api.clock.Now().Sub(api.stats.started).Minutes()),
		"message":   "Hello. Books catalog is available. Enjoy :)",
	}, "status")
}

// Maintenance enables or disables the maintenance mode of the service. While enabled,
// public pages answer with the error page carrying the predefined message.
// Enable the maintenance mode : /ops/maintenance?status=enable&msg=message-to-be-displayed-to-users
// Disable the maintenance mode: /ops/maintenance?status=disable
// Show the current mode       : /ops/maintenance?status=show
func (api *APIHandler) Maintenance(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
	q := r.URL.Query()
	mstatus := q.Get("status")

	switch mstatus {
	case "enable":
		message, started := q.Get("msg"), api.clock.Now().UTC()
		api.mode.Enable(message, started)
		api.logger.Info("maintenance mode enabled", zap.String("request.id", requestID), zap.String("maintenance.message", message))
		api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"requestid":           requestID,
			"maintenance.started": started.Format(time.RFC1123),
			"maintenance.message": message,
			"message":             "Maintenance mode enabled successfully.",
		}, "maintenance")

	case "disable":
		api.mode.Disable()
		api.logger.Info("maintenance mode disabled", zap.String("request.id", requestID))
		api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"requestid": requestID,
			"message":   "Maintenance mode disabled successfully.",
		}, "maintenance")

	case "show", "":
		message, since := api.mode.Details()
		started := ""
		if !since.IsZero() {
			started = since.Format(time.RFC1123)
		}
		api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
			"requestid": requestID,
			"enabled":   api.mode.enabled.Load(),
			"reason":    message,
			"since":     started,
		}, "maintenance")

	default:
		api.writeJSON(w, r, http.StatusBadRequest, map[string]interface{}{
			"requestid": requestID,
			"message":   "unknown maintenance status. use enable, disable or show.",
		}, "maintenance")
	}
}

// export goroutines to be used by expvar handler.
var goroutines = expvar.NewInt("goroutines")

// GetMemStats returns memory statistics with number of goroutines in json.
func GetMemStats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	goroutines.Set(int64(runtime.NumGoroutine()))
	expvar.Handler().ServeHTTP(w, r)
}

// RunGC forces the run of the garbage collector asynchronously.
func (api *APIHandler) RunGC(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	go runtime.GC()
	api.writeJSON(w, r, http.StatusOK, map[string]string{"called": "go runtime.GC()"}, "run gc")
}

// FreeOSMemory forces the garbage collector to and tries to returns the memory
// back to the operating system in an asynchronous fashion.
func (api *APIHandler) FreeOSMemory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	go debug.FreeOSMemory()
	api.writeJSON(w, r, http.StatusOK, map[string]string{"called": "go debug.FreeOSMemory()"}, "free os memory")
}

// GetStatistics provides useful details about the application to the internal ops users.
// The stats returns by this handler do not contain the ops request which triggered that.
// That is why we remove 1 from the called field value in order to match the status stats.
func (api *APIHandler) GetStatistics(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	maintenanceMessage, since := api.mode.Details()
	maintenanceStarted := ""
	if !since.IsZero() {
		maintenanceStarted = since.Format(time.RFC1123)
	}

	api.stats.mu.RLock()
	status := make(map[int]uint64, len(api.stats.status))
	for code, count := range api.stats.status {
		status[code] = count
	}
	api.stats.mu.RUnlock()

	api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"requestid":     GetValueFromContext(r.Context(), RequestIDContextKey),
		"app.version":   api.stats.version,
		"app.container": api.stats.container,
		"app.platform":  api.stats.platform,
		"go.version":    api.stats.runtime,
		"called":        atomic.LoadUint64(&api.stats.called) - 1,
		"started":       api.stats.started.Format(time.RFC1123),
		"uptime":        fmt.Sprintf("%.0f mins", api.clock.Now().Sub(api.stats.started).Minutes()),
		"maintenance": map[string]interface{}{
			"enabled": api.mode.enabled.Load(),
			"started": maintenanceStarted,
			"message": maintenanceMessage,
		},
		"status": status,
	}, "statistics")
}

// GetConfigs serves current in-use configurations. Secrets are not exported.
func (api *APIHandler) GetConfigs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	api.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"requestid": GetValueFromContext(r.Context(), RequestIDContextKey),
		"configs":   api.config,
	}, "configs")
}

func (api *APIHandler) OpsHandlerWrapper(h http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		h.ServeHTTP(w, r)
	}
}

func (api *APIHandler) GetCPUProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pprof.Profile(w, r)
}

func (api *APIHandler) GetTraceProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pprof.Trace(w, r)
}

func (api *APIHandler) GetSymbol(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pprof.Symbol(w, r)
}

func (api *APIHandler) GetCmdLine(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	pprof.Cmdline(w, r)
}
