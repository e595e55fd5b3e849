package middleware

import (
	"github.com/go-chi/chi/v5"

	"github.com/abutsfit/cncbridge/internal/audit"
	xglog "github.com/abutsfit/cncbridge/internal/log"
)

type StackConfig struct {
	AllowedOrigins []string

	EnableMetrics  bool
	TracingService string // empty disables tracing
	EnableLogging  bool

	RateLimitPerMinute int
	Access             AccessConfig
}

// ApplyStack installs the middleware chain, outermost first.
func ApplyStack(r chi.Router, cfg StackConfig) {
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(audit.Actor)
	r.Use(SecurityHeaders)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(CORS(cfg.AllowedOrigins))
	}
	if cfg.EnableMetrics {
		r.Use(Metrics())
	}
	if cfg.TracingService != "" {
		r.Use(Tracing(cfg.TracingService))
	}
	if cfg.EnableLogging {
		r.Use(xglog.Middleware())
	}
	r.Use(APIRateLimit(cfg.RateLimitPerMinute))
	r.Use(Access(cfg.Access))
}
