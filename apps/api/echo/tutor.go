package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core/tutor"
)

type tutorApi struct {
	auth     authenticator
	svc      tutor.Service
	validate *validator.Validate
}

func registerTutorAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth authenticator,
	svc tutor.Service,
	validate *validator.Validate,
) {
	api := tutorApi{
		auth:     auth,
		svc:      svc,
		validate: validate,
	}

	cg := g.Group("/tutor/conversations", jwt, activeUserMiddleware(auth))
	cg.POST("", api.start)
	cg.GET("", api.query)
	cg.GET("/:id/messages", api.messages)
	cg.POST("/:id/messages", api.ask)
	cg.DELETE("/:id", api.destroy)
}

func (api *tutorApi) start(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data tutor.NewConversation
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewConversation")
	}
	if data.StudentID == "" && usr.IsStudent() {
		data.StudentID = usr.ID
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	c, err := api.svc.StartConversation(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "starting conversation")
	}
	return ctx.JSON(http.StatusCreated, c)
}

func (api *tutorApi) query(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	list, err := api.svc.Conversations(ctx.Request().Context(), usr)
	if err != nil {
		return errors.Wrap(err, "querying conversations")
	}
	if list == nil {
		list = []tutor.Conversation{}
	}
	return ctx.JSON(http.StatusOK, list)
}

func (api *tutorApi) messages(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	msgs, err := api.svc.Messages(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "querying messages")
	}
	if msgs == nil {
		msgs = []tutor.Message{}
	}
	return ctx.JSON(http.StatusOK, msgs)
}

func (api *tutorApi) ask(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data tutor.NewMessage
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewMessage")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	msgs, err := api.svc.Ask(ctx.Request().Context(), usr, ctx.Param("id"), data)
	if err != nil {
		return errors.Wrap(err, "asking tutor")
	}
	return ctx.JSON(http.StatusCreated, msgs)
}

func (api *tutorApi) destroy(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if err = api.svc.DeleteConversation(ctx.Request().Context(), usr, ctx.Param("id")); err != nil {
		return errors.Wrap(err, "deleting conversation")
	}
	return ctx.NoContent(http.StatusNoContent)
}
