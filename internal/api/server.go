// Package api is the HTTP surface of the bridge.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/api/middleware"
	"github.com/abutsfit/cncbridge/internal/audit"
	"github.com/abutsfit/cncbridge/internal/cooldown"
	"github.com/abutsfit/cncbridge/internal/dispatch"
	"github.com/abutsfit/cncbridge/internal/hilink"
	"github.com/abutsfit/cncbridge/internal/jobs"
	xglog "github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/material"
	"github.com/abutsfit/cncbridge/internal/mode1"
	"github.com/abutsfit/cncbridge/internal/program"
	"github.com/abutsfit/cncbridge/internal/queue"
	"github.com/abutsfit/cncbridge/internal/registry"
	"github.com/abutsfit/cncbridge/internal/store"
)

// Machines is the vendor command and query layer.
type Machines interface {
	GetMachineStatus(ctx context.Context, machineID string) (hilink.MachineStatus, error)
	GetAlarms(ctx context.Context, machineID string, headType int16) (hilink.AlarmInfo, error)
	GetProgramList(ctx context.Context, machineID string, headType int16) (hilink.ProgramListInfo, error)
	GetActiveProgram(ctx context.Context, machineID string) (hilink.ActiveProgramInfo, error)
	GetProgramData(ctx context.Context, machineID string, headType, programNo int16) (hilink.ProgramData, error)
	DeleteProgram(ctx context.Context, machineID string, headType, programNo int16) (int16, error)
	SetActivateProgram(ctx context.Context, machineID string, dto hilink.ActivateProgram) error
	SetPanelIO(ctx context.Context, machineID string, panelType, ioUID int16, on bool) error
	Reset(ctx context.Context, machineID string) error
	SetMode(ctx context.Context, machineID, mode string) error
	ListMachines() []registry.Machine
	Register(ctx context.Context, m registry.Machine) error
}

var _ Machines = (*mode1.Client)(nil)

// Handles drops cached vendor handles.
type Handles interface {
	Invalidate(machineID, reason string)
}

// Registry is the machine registry file.
type Registry interface {
	List() []registry.Machine
	Upsert(m registry.Machine) (bool, error)
	Delete(uid string) error
}

// Materials stores the material loaded on each machine.
type Materials interface {
	Upsert(ctx context.Context, it material.Item) (material.Item, error)
	Get(ctx context.Context, machineID string) (material.Item, error)
	List(ctx context.Context) ([]material.Item, error)
	Delete(ctx context.Context, machineID string) error
}

// Health serves liveness and readiness.
type Health interface {
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeReady(w http.ResponseWriter, r *http.Request)
}

// Deps are the components the handlers drive.
type Deps struct {
	Machines  Machines
	Handles   Handles
	Registry  Registry
	Programs  *program.Pipeline
	Jobs      *jobs.Tracker
	Cooldown  *cooldown.Tracker
	Store     *store.Store
	Queue     *queue.Queues
	Dispatch  *dispatch.Dispatcher
	Materials Materials
	Health    Health
	// Audit defaults to the global audit logger.
	Audit *audit.Logger
}

// Config tunes request handling.
type Config struct {
	// ListTimeout bounds a program list read.
	ListTimeout time.Duration
	// VerifyTimeout bounds the post-upload existence check.
	VerifyTimeout     time.Duration
	FanoutConcurrency int
	StartIOUID        int16
	StopIOUID         int16
	// ValidateRequests checks parameters and bodies against the embedded
	// OpenAPI document before routing.
	ValidateRequests bool

	Stack middleware.StackConfig
}

// Server routes HTTP requests to the bridge components.
type Server struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	router chi.Router
}

// New builds the router. Zero config values take the defaults.
func New(deps Deps, cfg Config) *Server {
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 2500 * time.Millisecond
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 15 * time.Second
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 8
	}
	if cfg.StartIOUID == 0 {
		cfg.StartIOUID = mode1.DefaultStartIOUID
	}
	if cfg.StopIOUID == 0 {
		cfg.StopIOUID = mode1.DefaultStopIOUID
	}
	cfg.Stack.Access.Exempt = append(cfg.Stack.Access.Exempt, "/healthz", "/readyz", "/metrics")
	if deps.Audit == nil {
		deps.Audit = audit.NewLogger()
	}
	if cfg.Stack.Access.OnDeny == nil {
		cfg.Stack.Access.OnDeny = deps.Audit.AccessDenied
	}

	s := &Server{deps: deps, cfg: cfg, logger: xglog.WithComponent("api")}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	middleware.ApplyStack(r, s.cfg.Stack)
	r.Use(withLanguage)
	if s.cfg.ValidateRequests {
		r.Use(s.validateRequests)
	}

	s.registerPublicRoutes(r)
	r.Route("/api", func(r chi.Router) {
		r.Get("/openapi.yaml", s.handleOpenAPI)
		r.Route("/cnc", s.registerCNCRoutes)
		r.Route("/bridge-config", func(r chi.Router) {
			r.Get("/machines", s.handleConfigMachines)
			r.Put("/machines/{uid}", s.handleConfigUpsert)
			r.Delete("/machines/{uid}", s.handleConfigDelete)
		})
		r.Route("/bridge/queue", s.registerQueueRoutes)
		r.Route("/bridge/materials", func(r chi.Router) {
			r.Get("/", s.handleMaterialsList)
			r.Get("/{machineId}", s.handleMaterialGet)
			r.Put("/{machineId}", s.handleMaterialPut)
			r.Delete("/{machineId}", s.handleMaterialDelete)
		})
		r.Route("/bridge-store", s.registerStoreRoutes)
	})
	return r
}

func (s *Server) registerPublicRoutes(r chi.Router) {
	if s.deps.Health != nil {
		r.Get("/healthz", s.deps.Health.ServeHealth)
		r.Get("/readyz", s.deps.Health.ServeReady)
	} else {
		ok := func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		}
		r.Get("/healthz", ok)
		r.Get("/readyz", ok)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

func (s *Server) registerCNCRoutes(r chi.Router) {
	r.Get("/status", s.fanOutHandler(http.StatusOK, s.statusOp))
	r.Get("/alarms", s.handleAlarms)
	r.Post("/start", s.handleStart)
	r.Post("/stop", s.handleStop)
	r.Post("/reset", s.fanOutHandler(http.StatusAccepted, s.resetOp))
	r.Post("/mode", s.handleMode)

	r.Get("/programs", s.handleProgramsGet)
	r.Post("/programs", s.handleProgramsUpload)
	r.Post("/programs/download", s.handleProgramsDownload)
	r.Get("/programs/active", s.fanOutHandler(http.StatusOK, s.activeOp))
	r.Post("/programs/activate", s.handleActivate)
	r.Post("/programs/activate-sub", s.handleActivateSub)
	r.Post("/programs/delete", s.handleProgramsDelete)
	r.Post("/smart/upload", s.handleSmartUpload)
	r.Post("/smart/download", s.handleSmartDownload)

	r.Post("/raw", s.handleRaw)
	r.Get("/jobs/{jobId}", s.handleJob)

	r.Get("/machines", s.handleMachinesList)
	r.Post("/machines", s.handleMachinesRegister)
	r.Get("/machines/status", s.handleMachinesStatus)

	r.Route("/machines/{machineId}", func(r chi.Router) {
		r.Get("/status", s.singleHandler(http.StatusOK, s.statusOp))
		r.Get("/alarms", s.handleAlarms)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/reset", s.singleHandler(http.StatusAccepted, s.resetOp))
		r.Post("/mode", s.handleMode)
		r.Get("/programs", s.handleProgramsGet)
		r.Post("/programs/activate-sub", s.handleActivateSub)
		r.Post("/smart/upload", s.handleSmartUpload)
		r.Post("/smart/download", s.handleSmartDownload)
		r.Post("/raw", s.handleRaw)
		r.Get("/jobs/{jobId}", s.handleJob)
		s.registerDispatchRoutes(r)
	})
}

func (s *Server) fanOutHandler(status int, op machineOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveFanOut(w, r, status, op)
	}
}

func (s *Server) singleHandler(status int, op machineOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveSingle(w, r, status, op)
	}
}

// serve dispatches to the single machine or fan-out form depending on the
// route that matched.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, status int, op machineOp) {
	if chi.URLParam(r, "machineId") != "" {
		s.serveSingle(w, r, status, op)
		return
	}
	s.serveFanOut(w, r, status, op)
}
