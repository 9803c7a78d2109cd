// Package gateway serves the HTTP API and the per-project notification
// websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/ijave/internal/bus"
	"github.com/basket/ijave/internal/config"
	"github.com/basket/ijave/internal/ent"
	"github.com/basket/ijave/internal/generate"
	"github.com/basket/ijave/internal/otel"
	"github.com/basket/ijave/internal/persistence"
	"github.com/basket/ijave/internal/shared"
)

const (
	defaultNotifyTimeout  = 5 * time.Second
	defaultMaxUploadBytes = 32 << 20
	defaultWidth          = 512
	defaultHeight         = 512
)

type Config struct {
	Store   *persistence.Store
	Service *generate.Service
	Broker  *bus.Broker
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// Telemetry backs GET /debug/metrics when set.
	Telemetry MetricsSource

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// NotifyTimeout is how long the notification bridge waits for a
	// broadcast before it reports the executor status instead.
	NotifyTimeout time.Duration

	MaxUploadBytes int64

	// Steps and Strength seed the generation state of new prompts that do
	// not name their own.
	Steps    int
	Strength float64

	// ConfigFingerprint is the hash of the active config exposed in /healthz.
	ConfigFingerprint string

	CORS      config.CORSConfig
	RateLimit config.RateLimitConfig
}

// MetricsSource reads back the in-process metrics.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]otel.Point, error)
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *schemas
	limiter *rateLimiter
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Steps <= 0 {
		cfg.Steps = config.DefaultSteps
	}
	if cfg.Strength <= 0 {
		cfg.Strength = config.DefaultStrength
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		tracer:  cfg.Tracer,
		schemas: mustCompileSchemas(),
	}
	if cfg.RateLimit.Enabled {
		s.limiter = newRateLimiter(cfg.RateLimit, s.logger)
	}
	return s
}

// StartEviction drops idle rate limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.startEviction(ctx, time.Minute, 10*time.Minute)
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	if s.cfg.CORS.Enabled {
		r.Use(cors(s.cfg.CORS))
	}

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Telemetry != nil {
		r.Get("/debug/metrics", s.handleMetrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/project", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Put("/", s.handleUpdateProject)
				r.Delete("/", s.handleDeleteProject)
				r.Get("/icon", s.handleProjectIcon)
				r.Get("/prompts", s.handleListPrompts)
				r.Post("/prompts", s.handleCreatePrompt)
				r.Get("/notifications", s.handleNotifications)
			})
		})
		r.Route("/prompt/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPrompt)
			r.Delete("/", s.handleDeletePrompt)
			r.Get("/icon", s.handlePromptIcon)
			r.Get("/images", s.handleListImages)
			r.With(s.throttle).Post("/generate", s.handleGenerate)
		})
		r.Route("/image", func(r chi.Router) {
			r.With(s.throttle, limitBody(s.cfg.MaxUploadBytes)).Post("/", s.handleUploadImages)
			r.Get("/{id}/png", s.handleImageData)
			r.Delete("/{id}", s.handleDeleteImage)
		})
	})
	return r
}

// throttle applies the rate limiter to routes that schedule work or take
// uploads.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.wrap(next)
}

// observe tags the request with a trace id, wraps it in a server span and
// records its duration.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := middleware.GetReqID(r.Context())
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartRequestSpan(ctx, s.tracer)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		otel.EndRequest(span, route, status)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrRoute.String(route)))
		}
		s.logger.DebugContext(ctx, "http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Service != nil {
		payload["executor"] = s.cfg.Service.State().String()
		payload["queued"] = s.cfg.Service.Pending()
		if task, ok := s.cfg.Service.Current(); ok {
			payload["running"] = task.Prompt.ID
		}
	}
	if s.cfg.Broker != nil {
		payload["topics"] = len(s.cfg.Broker.Topics())
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := s.cfg.Telemetry.Snapshot(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if points == nil {
		points = []otel.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail maps an error to a status code. Caller errors are reported with
// their message; anything else is logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ent.ErrInvariant), errors.Is(err, errBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, errUnsupportedMedia):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	default:
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

var (
	errBadRequest       = errors.New("bad request")
	errUnsupportedMedia = errors.New("unsupported media type")
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// pathID parses the {id} URL parameter.
func pathID[T any](r *http.Request, parse func(string) (T, error)) (T, error) {
	id, err := parse(chi.URLParam(r, "id"))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, nil
}
