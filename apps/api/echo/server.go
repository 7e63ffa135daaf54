package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/assessment"
	"github.com/tutora/tutora/core/coaching"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/ratelimit"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
)

type (
	// Deps holds the services the API is served from.
	Deps struct {
		UserSvc        user.Service
		AssessmentSvc  assessment.Service
		EntitlementSvc entitlement.Service
		PaymentSvc     payment.Service
		TutorSvc       tutor.Service
		CoachingSvc    coaching.Service
		Limiter        *ratelimit.Limiter
		Validate       *validator.Validate
		Translator     ut.Translator
	}

	Server struct {
		app      *echo.Echo
		conf     *core.Config
		logger   core.Logger
		deps     *Deps
		errors   chan error
		shutdown chan os.Signal
	}
)

func NewServer(conf *core.Config, logger core.Logger, deps *Deps) *Server {
	s := &Server{
		app:      echo.New(),
		conf:     conf,
		logger:   logger,
		deps:     deps,
		errors:   make(chan error, 1),
		shutdown: make(chan os.Signal, 1),
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.Server.ReadTimeout = s.conf.Server.ReadTimeout
	s.app.Server.WriteTimeout = s.conf.Server.WriteTimeout

	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.conf.Server.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.conf, s.logger, s.deps.Translator, s.SignalShutdown)
	s.app.Debug = s.conf.Debug

	s.app.GET("/", s.home)

	v1 := s.app.Group("/v1", rateLimitMiddleware(s.deps.Limiter, s.conf))
	jwt := middleware.JWTWithConfig(newJWTConfig(s.conf))
	auth := authenticator{conf: s.conf, svc: s.deps.UserSvc}

	registerUserAPI(v1, jwt, auth, s.deps.UserSvc, s.deps.Validate)
	registerAssessmentAPI(v1, jwt, auth, s.deps.AssessmentSvc, s.deps.UserSvc, s.deps.Validate)
	registerEntitlementAPI(v1, jwt, auth, s.deps.EntitlementSvc, s.deps.UserSvc, s.deps.Validate)
	registerPaymentAPI(v1, jwt, auth, s.deps.PaymentSvc, s.deps.Validate, s.logger)
	registerTutorAPI(v1, jwt, auth, s.deps.TutorSvc, s.deps.Validate)
	registerCoachingAPI(v1, jwt, auth, s.deps.CoachingSvc, s.deps.Validate)
}

// Start serves the API until Shutdown or Close is called.
func (s *Server) Start() error {
	if err := s.app.Start(s.conf.Server.Addr); err != nil && err != http.ErrServerClosed {
		s.errors <- err
		return errors.Wrap(err, "serving API")
	}
	return nil
}

func (s *Server) Errors() <-chan error {
	return s.errors
}

func (s *Server) ShutdownSignal() <-chan os.Signal {
	return s.shutdown
}

// SignalShutdown asks the application to stop gracefully.
func (s *Server) SignalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) Close() error {
	return s.app.Close()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+" API!")
}
