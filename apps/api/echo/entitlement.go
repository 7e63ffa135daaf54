package echoapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
)

const refAdminGrant = "admin_grant"

type entitlementApi struct {
	auth     authenticator
	svc      entitlement.Service
	userSvc  user.Service
	validate *validator.Validate
}

func registerEntitlementAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth authenticator,
	svc entitlement.Service,
	userSvc user.Service,
	validate *validator.Validate,
) {
	api := entitlementApi{
		auth:     auth,
		svc:      svc,
		userSvc:  userSvc,
		validate: validate,
	}
	active := activeUserMiddleware(auth)

	pg := g.Group("/products", jwt, active)
	pg.GET("", api.queryProducts)
	pg.POST("", api.createProduct, adminMiddleware())
	pg.PUT("/:id", api.updateProduct, adminMiddleware())

	g.GET("/access", api.access, jwt, active)

	eg := g.Group("/entitlements", jwt, active)
	eg.GET("", api.queryEntitlements)
	eg.POST("", api.grant, adminMiddleware())
	eg.POST("/:id/suspend", api.changeStatus(svc.Suspend), adminMiddleware())
	eg.POST("/:id/resume", api.changeStatus(svc.Resume), adminMiddleware())
	eg.POST("/:id/revoke", api.changeStatus(svc.Revoke), adminMiddleware())

	cg := g.Group("/credits", jwt, active)
	cg.GET("", api.credits)
	cg.POST("", api.grantCredits, adminMiddleware())
}

// targetUser returns the user_id query param, defaulting to the context user, once access to it is checked.
func (api *entitlementApi) targetUser(ctx echo.Context) (string, error) {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return "", errors.Wrap(err, "getting context user")
	}
	userID := ctx.QueryParam("user_id")
	if userID == "" || userID == usr.ID {
		return usr.ID, nil
	}
	ok, err := canViewStudent(ctx, api.userSvc, usr, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errHttpForbidden
	}
	return userID, nil
}

func (api *entitlementApi) queryProducts(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	// inactive products are only listed to admins
	products, err := api.svc.QueryProducts(ctx.Request().Context(), !usr.IsAdmin())
	if err != nil {
		return errors.Wrap(err, "querying products")
	}
	if products == nil {
		products = []entitlement.Product{}
	}
	return ctx.JSON(http.StatusOK, products)
}

func (api *entitlementApi) createProduct(ctx echo.Context) error {
	var data entitlement.NewProduct
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewProduct")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	p, err := api.svc.CreateProduct(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating product")
	}
	return ctx.JSON(http.StatusCreated, p)
}

func (api *entitlementApi) updateProduct(ctx echo.Context) error {
	var data entitlement.NewProduct
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewProduct")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	p, err := api.svc.UpdateProduct(ctx.Request().Context(), ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "updating product")
	}
	return ctx.JSON(http.StatusOK, p)
}

func (api *entitlementApi) access(ctx echo.Context) error {
	userID, err := api.targetUser(ctx)
	if err != nil {
		return err
	}
	acc, err := api.svc.Resolve(ctx.Request().Context(), userID, time.Now())
	if err != nil {
		return errors.Wrap(err, "resolving access")
	}
	return ctx.JSON(http.StatusOK, acc)
}

func (api *entitlementApi) queryEntitlements(ctx echo.Context) error {
	userID, err := api.targetUser(ctx)
	if err != nil {
		return err
	}
	ents, err := api.svc.QueryEntitlements(ctx.Request().Context(), userID)
	if err != nil {
		return errors.Wrap(err, "querying entitlements")
	}
	if ents == nil {
		ents = []entitlement.Entitlement{}
	}
	return ctx.JSON(http.StatusOK, ents)
}

func (api *entitlementApi) grant(ctx echo.Context) error {
	var data entitlement.NewGrant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGrant")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if _, err := api.userSvc.GetByID(ctx.Request().Context(), data.UserID); err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return core.NewFieldError("user_id", "user not found")
		}
		return errors.Wrap(err, "finding user")
	}

	ent, err := api.svc.Grant(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "granting product")
	}
	return ctx.JSON(http.StatusCreated, ent)
}

type statusChangeFunc func(ctx context.Context, id, reason string, exec ...core.DBExecutor) (entitlement.Entitlement, error)

func (api *entitlementApi) changeStatus(change statusChangeFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		var data entitlement.StatusChange
		if err := ctx.Bind(&data); err != nil {
			return errors.Wrap(err, "binding to StatusChange")
		}
		if err := api.validate.Struct(&data); err != nil {
			return err
		}

		ent, err := change(ctx.Request().Context(), ctx.Param("id"), data.Reason)
		if err != nil {
			return errors.Wrap(err, "changing entitlement status")
		}
		return ctx.JSON(http.StatusOK, ent)
	}
}

func (api *entitlementApi) credits(ctx echo.Context) error {
	userID, err := api.targetUser(ctx)
	if err != nil {
		return err
	}
	balance, err := api.svc.Balance(ctx.Request().Context(), userID)
	if err != nil {
		return errors.Wrap(err, "getting balance")
	}
	ledger, err := api.svc.Ledger(ctx.Request().Context(), userID)
	if err != nil {
		return errors.Wrap(err, "querying ledger")
	}
	if ledger == nil {
		ledger = []entitlement.LedgerEntry{}
	}
	return ctx.JSON(http.StatusOK, CreditsResponse{UserID: userID, Balance: balance, Ledger: ledger})
}

func (api *entitlementApi) grantCredits(ctx echo.Context) error {
	var data entitlement.CreditGrant
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CreditGrant")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}
	if _, err := api.userSvc.GetByID(ctx.Request().Context(), data.UserID); err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return core.NewFieldError("user_id", "user not found")
		}
		return errors.Wrap(err, "finding user")
	}

	admin, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	balance, err := api.svc.GrantCredits(ctx.Request().Context(), data.UserID, data.Credits, data.Reason,
		entitlement.Ref{Type: refAdminGrant, ID: admin.ID})
	if err != nil {
		return errors.Wrap(err, "granting credits")
	}
	return ctx.JSON(http.StatusOK, CreditsResponse{UserID: data.UserID, Balance: balance})
}

type CreditsResponse struct {
	UserID  string                    `json:"user_id"`
	Balance int                       `json:"balance"`
	Ledger  []entitlement.LedgerEntry `json:"ledger,omitempty"`
}
