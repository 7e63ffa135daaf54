package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/assessment"
	"github.com/tutora/tutora/core/coaching"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound         = echo.NewHTTPError(http.StatusNotFound, "not found")
	errRateLimited          = echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
)

// domainErrors maps the services' sentinel errors to HTTP status codes; their message is returned as is.
var domainErrors = map[error]int{
	core.ErrForbidden: http.StatusForbidden,

	user.ErrNotFound: http.StatusNotFound,

	assessment.ErrNotFound:         http.StatusNotFound,
	assessment.ErrAttemptNotFound:  http.StatusNotFound,
	assessment.ErrNotPublished:     http.StatusConflict,
	assessment.ErrInvalidShareLink: http.StatusBadRequest,

	entitlement.ErrNotFound:            http.StatusNotFound,
	entitlement.ErrProductNotFound:     http.StatusNotFound,
	entitlement.ErrProductCodeExists:   http.StatusConflict,
	entitlement.ErrInvalidTransition:   http.StatusConflict,
	entitlement.ErrFeatureNotEntitled:  http.StatusPaymentRequired,
	entitlement.ErrInsufficientCredits: http.StatusPaymentRequired,

	payment.ErrNotFound:          http.StatusNotFound,
	payment.ErrInvalidTransition: http.StatusConflict,
	payment.ErrAmountMismatch:    http.StatusConflict,
	payment.ErrInvalidEvent:      http.StatusBadRequest,
	payment.ErrProductInactive:   http.StatusConflict,

	tutor.ErrNotFound:             http.StatusNotFound,
	tutor.ErrAssistantUnavailable: http.StatusServiceUnavailable,

	coaching.ErrNotFound:          http.StatusNotFound,
	coaching.ErrInvalidTransition: http.StatusConflict,
	coaching.ErrSlotTaken:         http.StatusConflict,
	coaching.ErrNotStarted:        http.StatusConflict,
}

// domainErrorCode looks err up in domainErrors. Errors of uncomparable types, eg. validator.ValidationErrors, never match.
func domainErrorCode(err error) (int, bool) {
	for target, code := range domainErrors {
		if err == target {
			return code, true
		}
	}
	return 0, false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(conf *core.Config, logger core.Logger, translator ut.Translator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var (
			code    int
			message interface{}
		)

		cause := errors.Cause(err)
		if c, ok := domainErrorCode(cause); ok {
			code = c
			message = cause.Error()
		} else {
			switch origErr := cause.(type) {
			case *echo.HTTPError:
				if origErr == middleware.ErrJWTMissing {
					code = http.StatusUnauthorized
					message = origErr.Message
					break
				}
				if origErr.Internal != nil {
					if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
						origErr = herr
					}
				}
				code = origErr.Code
				message = origErr.Message
			case validator.ValidationErrors:
				fldErrs := make(map[string]string, len(origErr))
				for _, vErr := range origErr {
					fldErrs[vErr.Field()] = vErr.Translate(translator)
				}
				code = http.StatusBadRequest
				message = fldErrs
			case *core.ValidationError:
				if origErr.Fields != nil {
					fldErrs := make(map[string]string, len(origErr.Fields))
					for _, fErr := range origErr.Fields {
						fldErrs[fErr.Field] = fErr.Error
					}
					message = fldErrs
				} else {
					message = origErr.Error()
				}
				code = http.StatusBadRequest
			default: // any other error is a server error
				code = http.StatusInternalServerError
				msg := http.StatusText(http.StatusInternalServerError)
				message = msg

				var usr user.User
				if claims, cErr := getContextClaims(ctx); cErr == nil {
					usr.ID = claims.Subject
					usr.Username = claims.Username
					usr.Email = claims.Email
				}
				logger.Error(msg, errors.Wrap(err, msg), usr)

				// shutting down...
				if core.IsShutdown(err) {
					signalShutdown()
				}
			}
		}

		if conf.Debug && code == http.StatusInternalServerError {
			message = err.Error()
		}
		if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
