package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HeaderRequestID carries the request id across hops
const HeaderRequestID = "X-Request-ID"

// RequestLogger assigns a request id, logs the outcome of every request and
// records request metrics
func RequestLogger(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			req.RequestID = req.Header.Get(HeaderRequestID)
			if req.RequestID == "" {
				req.RequestID = uuid.NewString()
			}

			timer := metrics.NewTimer()
			data, err := next(ctx, req)
			duration := timer.Duration()

			status := http.StatusOK
			if err != nil {
				status = ErrorFor(err).Status
			}
			route := routeLabel(req)
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(duration.Seconds())

			reqLogger := log.WithRequestID(logger, req.RequestID)
			event := reqLogger.Debug()
			if status >= http.StatusInternalServerError {
				event = reqLogger.Error().Err(err)
			} else if err != nil {
				event = reqLogger.Info().Err(err)
			}
			event.
				Str("method", req.Method).
				Str("path", req.Path).
				Int("status", status).
				Dur("duration", duration).
				Msg("API request")

			return data, err
		}
	}
}

// Recoverer turns a panicking handler into an internal error
func Recoverer(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (data any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("path", req.Path).
						Str("stack", string(debug.Stack())).
						Msgf("Handler panic: %v", r)
					data = nil
					err = &types.InternalError{Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			return next(ctx, req)
		}
	}
}

// Authenticate requires a valid bearer token on every non-public route
func Authenticate(auth *Authenticator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Route != nil && req.Route.Public {
				return next(ctx, req)
			}

			raw, ok := BearerToken(req.Header.Get("Authorization"))
			if !ok {
				return nil, NewError(http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			}
			claims, err := auth.Verify(raw)
			if err != nil {
				return nil, NewError(http.StatusUnauthorized, CodeUnauthorized, "invalid token")
			}
			req.Claims = claims
			return next(ctx, req)
		}
	}
}

// TenantScope rejects requests whose {tenant} differs from the caller's
// tenant. Runner tokens are further limited to their own {runner}.
func TenantScope() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if req.Claims == nil {
				return next(ctx, req)
			}
			if tenant, ok := req.Params["tenant"]; ok && tenant != req.Claims.TenantID.String() {
				return nil, NewError(http.StatusForbidden, CodeForbidden, "token is not valid for this workspace")
			}
			if runner, ok := req.Params["runner"]; ok && req.Claims.IsRunner() && runner != req.Claims.RunnerID.String() {
				return nil, NewError(http.StatusForbidden, CodeForbidden, "token is not valid for this runner")
			}
			return next(ctx, req)
		}
	}
}

// DefaultMiddleware is the standard chain: logging, recovery,
// authentication and tenant scoping
func DefaultMiddleware(logger zerolog.Logger, auth *Authenticator) []Middleware {
	return []Middleware{
		RequestLogger(logger),
		Recoverer(logger),
		Authenticate(auth),
		TenantScope(),
	}
}

func routeLabel(req *Request) string {
	if req.Route == nil {
		return "unmatched"
	}
	if req.Route.Name != "" {
		return req.Route.Name
	}
	return req.Route.Method + " " + req.Route.Pattern
}
