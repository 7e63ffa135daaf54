// Package di wires the API's dependencies with a dig.Container.
package di

import (
	"context"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/dig"
	"go.uber.org/zap"

	echoapi "github.com/tutora/tutora/apps/api/echo"
	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/assessment"
	"github.com/tutora/tutora/core/coaching"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/ratelimit"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
	assistantsvc "github.com/tutora/tutora/services/assistant"
	emailsvc "github.com/tutora/tutora/services/email"
	logsvc "github.com/tutora/tutora/services/logger"
	paymentsvc "github.com/tutora/tutora/services/payment"
	"github.com/tutora/tutora/storage/database"
	"github.com/tutora/tutora/storage/database/sqlxrepos"
)

const dbLoggerName = "dbLogger"

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type serverParams struct {
	dig.In

	Conf           *core.Config
	Logger         core.Logger
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

func newLogger(zl *zap.Logger, conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(zl.Named("api"), conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDBLogger(zl *zap.Logger, conf *core.Config) core.Logger {
	logger := logsvc.NewRollbarLogger(zl.Named("db"), conf)
	logger.Enable(!conf.Debug)
	return logger
}

func newDB(conf *core.Config, loggerParam DBLoggerParam) (*sqlx.DB, core.DB, core.DBExecutor, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, nil, nil, err
	}
	db, err := database.Open(conf)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = database.Migrate(db); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	loggerParam.Logger.Info("database ready", map[string]interface{}{"engine": conf.Database.Engine})
	return db, db, db, nil
}

func newValidate(translator ut.Translator) *validator.Validate {
	validate := validator.New()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)
	return validate
}

func newAssistant(conf *core.Config) (tutor.Assistant, error) {
	return assistantsvc.New(context.Background(), conf)
}

// the tutor grounds its prompts on the latest diagnostic
func newFocusAreaSource(svc assessment.Service) tutor.FocusAreaSource {
	return svc
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(p.Conf, p.Logger, &echoapi.Deps{
		UserSvc:        p.UserSvc,
		AssessmentSvc:  p.AssessmentSvc,
		EntitlementSvc: p.EntitlementSvc,
		PaymentSvc:     p.PaymentSvc,
		TutorSvc:       p.TutorSvc,
		CoachingSvc:    p.CoachingSvc,
		Limiter:        p.Limiter,
		Validate:       p.Validate,
		Translator:     p.Translator,
	})
}

// New returns a new dependency injection dig.Container.
func New(conf *core.Config) (*dig.Container, error) {
	c := dig.New()

	providers := []struct {
		constructor interface{}
		opts        []dig.ProvideOption
	}{
		{constructor: func() *core.Config { return conf }},
		{constructor: logsvc.NewZapLogger},
		{constructor: newLogger},
		{constructor: newDBLogger, opts: []dig.ProvideOption{dig.Name(dbLoggerName)}},
		{constructor: newDB},
		{constructor: emailsvc.NewService},
		{constructor: core.NewTranslator},
		{constructor: newValidate},
		{constructor: ratelimit.New},

		// repositories
		{constructor: sqlxrepos.NewUserRepository, opts: []dig.ProvideOption{dig.As(new(user.Repository))}},
		{constructor: sqlxrepos.NewEntitlementRepository, opts: []dig.ProvideOption{dig.As(new(entitlement.Repository))}},
		{constructor: sqlxrepos.NewAssessmentRepository, opts: []dig.ProvideOption{dig.As(new(assessment.Repository))}},
		{constructor: sqlxrepos.NewPaymentRepository, opts: []dig.ProvideOption{dig.As(new(payment.Repository))}},
		{constructor: sqlxrepos.NewTutorRepository, opts: []dig.ProvideOption{dig.As(new(tutor.Repository))}},
		{constructor: sqlxrepos.NewCoachingRepository, opts: []dig.ProvideOption{dig.As(new(coaching.Repository))}},

		// providers
		{constructor: paymentsvc.NewGateway},
		{constructor: newAssistant},
		{constructor: newFocusAreaSource},

		// services
		{constructor: user.NewService},
		{constructor: entitlement.NewService},
		{constructor: assessment.NewService},
		{constructor: payment.NewService},
		{constructor: tutor.NewService},
		{constructor: coaching.NewService},

		{constructor: newServer},
	}
	for _, p := range providers {
		if err := c.Provide(p.constructor, p.opts...); err != nil {
			return nil, errors.Wrap(err, "failed to provide dependency")
		}
	}
	return c, nil
}
