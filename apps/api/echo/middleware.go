package echoapi

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/ratelimit"
)

func adminMiddleware(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return errors.Wrap(err, "getting context claims")
			}
			if claims.IsAdmin && contextHasAnyRole(ctx, roles) {
				return next(ctx)
			}
			return errHttpForbidden
		}
	}
}

// activeUserMiddleware loads the authenticated user and rejects deactivated accounts.
func activeUserMiddleware(auth authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if _, err := auth.user(ctx); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

const (
	rateClassAuth    = "auth"
	rateClassTutor   = "tutor"
	rateClassWebhook = "webhook"
	rateClassOther   = "other"
)

var authPaths = map[string]bool{
	"/v1/users/login":                  true,
	"/v1/users/signup":                 true,
	"/v1/users/password-reset":         true,
	"/v1/users/password-reset-confirm": true,
	"/v1/users/token-refresh":          true,
}

func rateClass(ctx echo.Context) string {
	path := ctx.Path()
	switch {
	case authPaths[path]:
		return rateClassAuth
	case path == "/v1/payments/webhook":
		return rateClassWebhook
	case ctx.Request().Method == http.MethodPost && strings.HasPrefix(path, "/v1/tutor/conversations/") &&
		strings.HasSuffix(path, "/messages"):
		return rateClassTutor
	}
	return rateClassOther
}

// rateClient identifies the caller: the subject of a valid bearer token, else the client IP.
// It runs before the JWT middleware, so the token is parsed here.
func rateClient(ctx echo.Context, secret []byte) string {
	auth := ctx.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		claims := new(Claims)
		token, err := jwt.ParseWithClaims(auth[len("Bearer "):], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err == nil && token.Valid && claims.Subject != "" {
			return "user:" + claims.Subject
		}
	}
	return "ip:" + ctx.RealIP()
}

// rateLimitMiddleware limits requests per endpoint class and caller.
func rateLimitMiddleware(limiter *ratelimit.Limiter, conf *core.Config) echo.MiddlewareFunc {
	limits := map[string]int{
		rateClassAuth:    conf.RateLimit.Auth,
		rateClassTutor:   conf.RateLimit.Tutor,
		rateClassWebhook: conf.RateLimit.Webhook,
		rateClassOther:   conf.RateLimit.Other,
	}
	secret := []byte(conf.SecretKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if limiter == nil {
				return next(ctx)
			}
			class := rateClass(ctx)
			key := class + ":" + rateClient(ctx, secret)
			if !limiter.Allow(key, limits[class]) {
				secs := int(math.Ceil(limiter.RetryAfter(key).Seconds()))
				ctx.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return errRateLimited
			}
			return next(ctx)
		}
	}
}
