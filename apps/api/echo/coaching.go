package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core/coaching"
)

type coachingApi struct {
	auth     authenticator
	svc      coaching.Service
	validate *validator.Validate
}

func registerCoachingAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth authenticator,
	svc coaching.Service,
	validate *validator.Validate,
) {
	api := coachingApi{
		auth:     auth,
		svc:      svc,
		validate: validate,
	}

	sg := g.Group("/sessions", jwt, activeUserMiddleware(auth))
	sg.POST("", api.book)
	sg.GET("", api.query)
	sg.GET("/:id", api.retrieve)
	sg.POST("/:id/cancel", api.cancel)
	sg.POST("/:id/complete", api.complete)
	sg.POST("/:id/no-show", api.noShow)
}

func (api *coachingApi) book(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data coaching.NewSession
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewSession")
	}
	if data.StudentID == "" && usr.IsStudent() {
		data.StudentID = usr.ID
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	s, err := api.svc.Book(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "booking session")
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *coachingApi) query(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	filter := coaching.QueryFilter{
		StudentID: ctx.QueryParam("student_id"),
		CoachID:   ctx.QueryParam("coach_id"),
		Status:    ctx.QueryParam("status"),
		From:      queryTime(ctx, "from"),
		To:        queryTime(ctx, "to"),
	}
	filter.Clean()
	if err = api.validate.Struct(&filter); err != nil {
		return err
	}

	sessions, err := api.svc.Query(ctx.Request().Context(), usr, filter)
	if err != nil {
		return errors.Wrap(err, "querying sessions")
	}
	if sessions == nil {
		sessions = []coaching.Session{}
	}
	return ctx.JSON(http.StatusOK, sessions)
}

func (api *coachingApi) retrieve(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	s, err := api.svc.Get(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "finding session")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *coachingApi) cancel(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	s, err := api.svc.Cancel(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "canceling session")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *coachingApi) complete(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data coaching.SessionNotes
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SessionNotes")
	}
	if err = api.validate.Struct(&data); err != nil {
		return err
	}

	s, err := api.svc.Complete(ctx.Request().Context(), usr, ctx.Param("id"), data.Notes)
	if err != nil {
		return errors.Wrap(err, "completing session")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *coachingApi) noShow(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	s, err := api.svc.MarkNoShow(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "marking no-show")
	}
	return ctx.JSON(http.StatusOK, s)
}
