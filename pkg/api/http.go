package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/tether/pkg/metrics"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Envelope wraps every JSON response body
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// NewRouter exposes the registry's routes over HTTP together with the
// health, readiness and metrics endpoints
func NewRouter(reg *Registry) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	for _, route := range reg.Routes() {
		mux.Handle(route.Method+" "+route.Pattern, routeHandler(reg, route))
	}
	return mux
}

func routeHandler(reg *Registry, route *Route) http.Handler {
	names := route.ParamNames()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, NewError(http.StatusRequestEntityTooLarge, CodeInvalidRequest, "request body too large"))
				return
			}
			writeError(w, BadRequest(err))
			return
		}

		params := make(map[string]string, len(names))
		for _, name := range names {
			params[name] = r.PathValue(name)
		}

		req := &Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Params: params,
			Header: r.Header,
			Body:   body,
		}
		data, err := reg.Serve(r.Context(), route, req)
		if req.RequestID != "" {
			w.Header().Set(HeaderRequestID, req.RequestID)
		}
		if err != nil {
			writeError(w, ErrorFor(err))
			return
		}
		writeData(w, data)
	})
}

func writeData(w http.ResponseWriter, data any) {
	env := Envelope{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, ErrorFor(err))
			return
		}
		env.Data = raw
	}
	writeJSON(w, http.StatusOK, env)
}

func writeError(w http.ResponseWriter, apiErr *Error) {
	writeJSON(w, apiErr.Status, Envelope{Error: apiErr.Code, Message: apiErr.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewHTTPServer wraps handler with the timeouts used by every tether listener
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
