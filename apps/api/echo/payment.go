package echoapi

import (
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/payment"
)

// HeaderSignature carries the webhook signature, `t=<unix>,v1=<hex mac>`.
const HeaderSignature = "Tutora-Signature"

// max accepted webhook payload
const maxWebhookBody = 64 << 10

type paymentApi struct {
	auth     authenticator
	svc      payment.Service
	validate *validator.Validate
	logger   core.Logger
}

func registerPaymentAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth authenticator,
	svc payment.Service,
	validate *validator.Validate,
	logger core.Logger,
) {
	api := paymentApi{
		auth:     auth,
		svc:      svc,
		validate: validate,
		logger:   logger,
	}

	// public, authenticated by signature
	g.POST("/payments/webhook", api.webhook)

	og := g.Group("/orders", jwt, activeUserMiddleware(auth))
	og.POST("", api.checkout)
	og.GET("", api.query)
	og.GET("/:id", api.retrieve)
	og.POST("/:id/cancel", api.cancel)
	og.POST("/:id/mark-paid", api.markPaid, adminMiddleware())
	og.POST("/:id/refund", api.refund, adminMiddleware())
}

func (api *paymentApi) checkout(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data payment.NewCheckout
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewCheckout")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	order, err := api.svc.Checkout(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "checking out")
	}
	return ctx.JSON(http.StatusCreated, order)
}

func (api *paymentApi) query(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var filter payment.OrderFilter
	if err = ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []payment.Order{})
	}
	if err = api.validate.Struct(&filter); err != nil {
		return err
	}
	if !usr.IsAdmin() {
		filter.BuyerID = usr.ID
	}

	orders, err := api.svc.QueryOrders(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying orders")
	}
	if orders == nil {
		orders = []payment.Order{}
	}
	return ctx.JSON(http.StatusOK, orders)
}

func (api *paymentApi) retrieve(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	order, err := api.svc.GetOrder(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding order")
	}
	if !(usr.IsAdmin() || order.BuyerID == usr.ID || order.BeneficiaryID == usr.ID) {
		return errHttpNotFound
	}
	return ctx.JSON(http.StatusOK, order)
}

func (api *paymentApi) cancel(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	order, err := api.svc.Cancel(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "canceling order")
	}
	return ctx.JSON(http.StatusOK, order)
}

func (api *paymentApi) markPaid(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	order, err := api.svc.MarkPaid(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking order as paid")
	}
	return ctx.JSON(http.StatusOK, order)
}

func (api *paymentApi) refund(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	order, err := api.svc.Refund(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "refunding order")
	}
	return ctx.JSON(http.StatusOK, order)
}

func (api *paymentApi) webhook(ctx echo.Context) error {
	payload, err := io.ReadAll(http.MaxBytesReader(ctx.Response(), ctx.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	ev, err := api.svc.ParseEvent(payload, ctx.Request().Header.Get(HeaderSignature))
	if err != nil {
		api.logger.Warn("rejected payment webhook", err)
		return errors.Wrap(err, "parsing event")
	}
	if err = api.svc.HandleEvent(ctx.Request().Context(), ev); err != nil {
		return errors.Wrapf(err, "handling event %s", ev.ID)
	}
	return ctx.JSON(http.StatusOK, echo.Map{"received": true})
}
