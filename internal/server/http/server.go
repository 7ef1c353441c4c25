// Package httpserver exposes the workflow, device and verification APIs over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/doc-attest/internal/device"
	"github.com/and161185/doc-attest/internal/model"
	"github.com/and161185/doc-attest/internal/verify"
	"github.com/and161185/doc-attest/internal/workflow"
)

// Workflow is the approval engine.
type Workflow interface {
	AssignToLevel(ctx context.Context, appID int64, level model.Level, officerID uuid.UUID) error
	Approve(ctx context.Context, d workflow.Decision) error
	Reject(ctx context.Context, d workflow.Decision) error
	SendBack(ctx context.Context, d workflow.Decision) error
	AutoAssignApplications(ctx context.Context) (int, error)
	PendingFor(ctx context.Context, officerID uuid.UUID) ([]model.WorkflowStep, error)
	History(ctx context.Context, appID int64) ([]model.WorkflowHistory, error)
	IssueAttestation(ctx context.Context, appID int64, actorID uuid.UUID) (*model.Attestation, error)
}

// Applications reads applications.
type Applications interface {
	Get(ctx context.Context, id int64) (*model.Application, error)
}

// Tokens renders and revokes verification tokens.
type Tokens interface {
	RenderQRImage(ctx context.Context, token string) ([]byte, error)
	Revoke(ctx context.Context, appID int64, reason string) error
	VerificationURL(token string) string
}

// Devices manages registered mobile devices.
type Devices interface {
	Register(ctx context.Context, userID uuid.UUID, req device.RegisterRequest, ip string) (*device.Registration, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error)
	Deactivate(ctx context.Context, id int64, userID uuid.UUID) error
	RevokeDevice(ctx context.Context, id int64, reason string, admin uuid.UUID) error
}

// Verifier answers verification requests.
type Verifier interface {
	VerifyWeb(ctx context.Context, req verify.Request, o verify.Origin) (*verify.Result, error)
	VerifyMobile(ctx context.Context, req verify.Request, o verify.Origin) (*verify.Result, error)
	WebEnabled() bool
}

// Deps are the services behind the handlers.
type Deps struct {
	Workflow     Workflow
	Applications Applications
	Tokens       Tokens
	Devices      Devices
	Verifier     Verifier
}

// Options configures transport behavior.
type Options struct {
	JWTKey          []byte
	Environment     string
	RateLimitRPS    int32
	RateLimitBurst  int32
	AllowedOrigins  []string
	MinAppVersion   string
	BaseAPIURL      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server routes HTTP requests to the services.
type Server struct {
	deps   Deps
	opts   Options
	log    *zap.Logger
	router *chi.Mux
	now    func() time.Time
}

// New builds the router.
func New(deps Deps, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{deps: deps, opts: opts, log: log, router: chi.NewRouter(), now: time.Now}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

var officerRoles = []model.Role{
	model.RoleVerificationOfficer, model.RoleSupervisor, model.RoleAttestationOfficer, model.RoleAdmin,
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recover(s.log))
	r.Use(AccessLog(s.log))
	r.Use(SecurityHeaders(s.opts.Environment))

	limit := RateLimit(s.opts.RateLimitRPS, s.opts.RateLimitBurst, s.log)
	public := cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})

	r.With(public, limit).Get("/verify", s.handleVerifyWeb)

	r.Route("/api", func(r chi.Router) {
		r.Route("/mobile", func(r chi.Router) {
			r.Get("/health", s.handleMobileHealth)
			r.With(limit).Post("/verify", s.handleVerifyMobile)
			r.Group(func(r chi.Router) {
				r.Use(s.Authenticate, RequireRole(officerRoles...))
				r.Post("/device/register", s.handleRegisterDevice)
				r.Get("/device/status", s.handleDeviceStatus)
				r.Post("/device/{id}/deactivate", s.handleDeactivateDevice)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.Authenticate, RequireRole(officerRoles...))

			r.Route("/workflow", func(r chi.Router) {
				r.Get("/queue", s.handleQueue)
				r.Post("/{id}/approve", s.handleApprove)
				r.Post("/{id}/reject", s.handleReject)
				r.Post("/{id}/send-back", s.handleSendBack)
				r.With(RequireRole(model.RoleAdmin)).Post("/{id}/assign", s.handleAssign)
				r.With(RequireRole(model.RoleAdmin)).Post("/auto-assign", s.handleAutoAssign)
			})

			r.Route("/applications/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetApplication)
				r.Get("/history", s.handleHistory)
				r.Get("/qr.png", s.handleQRImage)
				r.With(RequireRole(model.RoleAdmin)).Post("/attestation", s.handleIssueAttestation)
				r.With(RequireRole(model.RoleAdmin)).Post("/revoke-qr", s.handleRevokeQR)
			})

			r.With(RequireRole(model.RoleAdmin)).Post("/admin/devices/{id}/revoke", s.handleAdminRevokeDevice)
		})
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", addr), zap.String("environment", s.opts.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http shutdown complete")
	return nil
}
