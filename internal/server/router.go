package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketrust/internal/apperr"
	"marketrust/internal/dispatch"
	"marketrust/internal/httpx"
	"marketrust/internal/identity"
	"marketrust/internal/visibility"
)

// HealthChecker checks a dependency for readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// TriggerKeyHeader carries the shared key of the event source and scheduler.
const TriggerKeyHeader = "X-Trigger-Key"

// Dependencies collects handler dependencies. Nil handlers are not mounted.
type Dependencies struct {
	Health   HealthChecker
	Identity *identity.Handler
	Events   *dispatch.Handler
	Sweeper  *visibility.Sweeper
	Gatherer prometheus.Gatherer
	// TriggerKey guards Events and Sweeper; without it neither is mounted.
	TriggerKey string
}

// NewRouter wires the HTTP routes.
func NewRouter(log zerolog.Logger, deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if deps.Health != nil {
			if err := deps.Health.Ping(ctx); err != nil {
				log.Error().Err(err).Msg("health check failed")
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if deps.Identity != nil {
			deps.Identity.Routes(r)
		}
		if deps.TriggerKey == "" {
			if deps.Events != nil || deps.Sweeper != nil {
				log.Warn().Msg("trigger key is not configured; event and sweep endpoints are disabled")
			}
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(requireTriggerKey(deps.TriggerKey))
			if deps.Events != nil {
				deps.Events.Routes(r)
			}
			if deps.Sweeper != nil {
				r.Post("/sweeps/visibility", sweepHandler(log, deps.Sweeper))
			}
		})
	})

	return r
}

type sweepResponse struct {
	visibility.SweepResult
	Error string `json:"error,omitempty"`
}

// sweepHandler runs one sweep per scheduler tick. Per-master failures are
// reported in the body; only a failure to list masters is a 503.
func sweepHandler(log zerolog.Logger, sweeper *visibility.Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := sweeper.Run(r.Context())
		if err != nil && result.Masters == 0 {
			httpx.ErrorStatus(w, http.StatusServiceUnavailable, err)
			return
		}
		resp := sweepResponse{SweepResult: result}
		if err != nil {
			log.Warn().Err(err).Int("failures", result.Failures).Msg("sweep finished with failures")
			resp.Error = err.Error()
		}
		httpx.JSON(w, http.StatusOK, resp)
	}
}

var errTriggerKey = apperr.New(apperr.KindAuthentication, apperr.CodeInvalidSignature, "server.requireTriggerKey", "missing or wrong trigger key")

func requireTriggerKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(TriggerKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				httpx.Error(w, errTriggerKey)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
