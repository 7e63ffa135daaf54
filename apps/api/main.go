package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutora/tutora/apps/api/di"
	echoapi "github.com/tutora/tutora/apps/api/echo"
	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/ratelimit"
	"github.com/tutora/tutora/core/user"
)

type app struct {
	dig.In

	Conf           *core.Config
	Logger         core.Logger
	ZapLogger      *zap.Logger
	DBLoggerParam  di.DBLoggerParam
	DB             *sqlx.DB
	Server         *echoapi.Server
	Limiter        *ratelimit.Limiter
	EntitlementSvc entitlement.Service
}

func main() {
	conf := core.NewConfig()
	c, err := di.New(conf)
	if err != nil {
		log.Fatal(err)
	}
	if err = c.Invoke(run); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(a app) error {
	logger := a.Logger
	defer func() { _ = a.ZapLogger.Sync() }()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", a.Conf.Build))
	defer logger.Info("Application stopped")

	core.ParseEmailTemplates(logger)
	user.LoadCommonPasswords(logger)

	defer func() {
		if err := a.DB.Close(); err != nil {
			a.DBLoggerParam.Logger.Error("Failed to close", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(a.Conf.Build)
	expvar.NewString("env").Set(a.Conf.Env)

	debug := &http.Server{Addr: a.Conf.Server.DebugHost, Handler: http.DefaultServeMux}
	g.Go(func() error {
		if err := debug.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
		return nil
	})

	// =========================================================================
	// Start API Service

	g.Go(a.Server.Start)

	// =========================================================================
	// Background jobs

	g.Go(func() error {
		a.Limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		expireEntitlements(gctx, a.EntitlementSvc, a.Conf.Server.ExpiryCheckInterval, logger)
		return nil
	})

	// =========================================================================
	// Shutdown

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Start shutdown...")
		case sig := <-a.Server.ShutdownSignal():
			logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
		}
		defer cancel()

		// give outstanding requests a deadline for completion
		sctx, scancel := context.WithTimeout(context.Background(), a.Conf.Server.ShutdownTimeout)
		defer scancel()

		_ = debug.Shutdown(sctx)

		// asking listener to shut down and shed load
		if err := a.Server.Shutdown(sctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = a.Server.Close(); err != nil {
				return errors.Wrap(err, "could not force stop server")
			}
		}
		return nil
	})

	return g.Wait()
}

// expireEntitlements expires due entitlements every interval until ctx is done.
func expireEntitlements(ctx context.Context, svc entitlement.Service, interval time.Duration, logger core.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := svc.ExpireDue(ctx, now)
			if err != nil {
				logger.Error(fmt.Sprintf("expiring entitlements: %v", err), err)
				continue
			}
			if n > 0 {
				logger.Info(fmt.Sprintf("%d entitlements expired", n))
			}
		}
	}
}
