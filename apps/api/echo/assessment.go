package echoapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core/assessment"
	"github.com/tutora/tutora/core/user"
)

type assessmentApi struct {
	auth     authenticator
	svc      assessment.Service
	userSvc  user.Service
	validate *validator.Validate
}

func registerAssessmentAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	auth authenticator,
	svc assessment.Service,
	userSvc user.Service,
	validate *validator.Validate,
) {
	api := assessmentApi{
		auth:     auth,
		svc:      svc,
		userSvc:  userSvc,
		validate: validate,
	}

	// public
	g.GET("/reports/:token", api.sharedReport)

	ag := g.Group("/assessments", jwt, activeUserMiddleware(auth))
	ag.POST("", api.create)
	ag.GET("", api.query)
	dg := ag.Group("/:id", api.assessmentMiddleware)
	dg.GET("", api.retrieve)
	dg.PUT("", api.update)
	dg.DELETE("", api.destroy)
	dg.POST("/publish", api.publish)
	dg.POST("/attempts", api.submit)

	tg := g.Group("/attempts", jwt, activeUserMiddleware(auth))
	tg.GET("", api.queryAttempts)
	tg.GET("/:id", api.retrieveAttempt)
	tg.POST("/:id/share", api.shareAttempt)
}

// canSeeAnswers reports whether usr may see unpublished assessments and item answers.
func canSeeAnswers(usr user.User) bool {
	return usr.IsAdmin() || usr.IsCoach()
}

// assessmentMiddleware loads the :id Assessment; students and parents only see published ones.
func (api *assessmentApi) assessmentMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		usr, err := api.auth.user(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context user")
		}
		a, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
		if err != nil {
			return errors.Wrap(err, "finding assessment")
		}
		if !a.IsPublished && !canSeeAnswers(usr) {
			return errHttpNotFound
		}
		ctx.Set(contextObjectKey, a)
		return next(ctx)
	}
}

func ctxAssessment(ctx echo.Context) assessment.Assessment {
	a, _ := ctx.Get(contextObjectKey).(assessment.Assessment)
	return a
}

func (api *assessmentApi) create(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data assessment.NewAssessment
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAssessment")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	a, err := api.svc.Create(ctx.Request().Context(), usr, data)
	if err != nil {
		return errors.Wrap(err, "creating assessment")
	}
	return ctx.JSON(http.StatusCreated, a)
}

func (api *assessmentApi) query(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	filter := new(assessment.QueryFilter)
	if err = ctx.Bind(filter); err != nil {
		return ctx.JSON(http.StatusOK, []assessment.Assessment{})
	}
	filter.Clean()
	filter.PublishedOnly = !canSeeAnswers(usr)
	ordering := new(Ordering)
	ordering.Bind(ctx)

	list, err := api.svc.Query(ctx.Request().Context(), filter, ordering.Orderings)
	if err != nil {
		return errors.Wrap(err, "querying assessments")
	}
	res := make([]assessment.Assessment, 0, len(list))
	for _, a := range list {
		if !canSeeAnswers(usr) {
			a = a.StudentView()
		}
		res = append(res, a)
	}
	return ctx.JSON(http.StatusOK, res)
}

func (api *assessmentApi) retrieve(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	a := ctxAssessment(ctx)
	if !canSeeAnswers(usr) {
		a = a.StudentView()
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *assessmentApi) update(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data assessment.NewAssessment
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAssessment")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	a, err := api.svc.Update(ctx.Request().Context(), usr, ctxAssessment(ctx), data)
	if err != nil {
		return errors.Wrap(err, "updating assessment")
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *assessmentApi) destroy(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	if err = api.svc.Delete(ctx.Request().Context(), usr, ctxAssessment(ctx)); err != nil {
		return errors.Wrap(err, "deleting assessment")
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *assessmentApi) publish(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	a, err := api.svc.Publish(ctx.Request().Context(), usr, ctxAssessment(ctx))
	if err != nil {
		return errors.Wrap(err, "publishing assessment")
	}
	return ctx.JSON(http.StatusOK, a)
}

func (api *assessmentApi) submit(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	var data assessment.NewAttempt
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAttempt")
	}
	if data.StudentID == "" && usr.IsStudent() {
		data.StudentID = usr.ID
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}

	at, err := api.svc.Submit(ctx.Request().Context(), usr, ctxAssessment(ctx).ID, data)
	if err != nil {
		return errors.Wrap(err, "submitting attempt")
	}
	return ctx.JSON(http.StatusCreated, at)
}

// canViewStudent reports whether usr may read the records of the student: staff, the student or a guardian.
func canViewStudent(ctx echo.Context, svc user.Service, usr user.User, studentID string) (bool, error) {
	if canSeeAnswers(usr) {
		return true, nil
	}
	ok, err := svc.CanActFor(ctx.Request().Context(), usr, studentID)
	return ok, errors.Wrap(err, "checking guardianship")
}

func (api *assessmentApi) queryAttempts(ctx echo.Context) error {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context user")
	}
	filter := assessment.AttemptFilter{
		StudentID:    ctx.QueryParam("student_id"),
		AssessmentID: ctx.QueryParam("assessment_id"),
		Kind:         ctx.QueryParam("kind"),
		Limit:        uint64(queryInt(ctx, "limit", 0)),
	}
	if filter.StudentID == "" {
		if !canSeeAnswers(usr) {
			filter.StudentID = usr.ID
		}
	} else if ok, err := canViewStudent(ctx, api.userSvc, usr, filter.StudentID); err != nil {
		return err
	} else if !ok {
		return errHttpForbidden
	}

	attempts, err := api.svc.QueryAttempts(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying attempts")
	}
	if attempts == nil {
		attempts = []assessment.Attempt{}
	}
	return ctx.JSON(http.StatusOK, attempts)
}

func (api *assessmentApi) ctxAttempt(ctx echo.Context) (assessment.Attempt, error) {
	usr, err := api.auth.user(ctx)
	if err != nil {
		return assessment.Attempt{}, errors.Wrap(err, "getting context user")
	}
	at, err := api.svc.GetAttempt(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return assessment.Attempt{}, errors.Wrap(err, "finding attempt")
	}
	ok, err := canViewStudent(ctx, api.userSvc, usr, at.StudentID)
	if err != nil {
		return assessment.Attempt{}, err
	}
	if !ok {
		return assessment.Attempt{}, errHttpNotFound
	}
	return at, nil
}

func (api *assessmentApi) retrieveAttempt(ctx echo.Context) error {
	at, err := api.ctxAttempt(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, at)
}

func (api *assessmentApi) shareAttempt(ctx echo.Context) error {
	at, err := api.ctxAttempt(ctx)
	if err != nil {
		return err
	}
	token := api.svc.ShareLink(at)
	return ctx.JSON(http.StatusOK, ShareResponse{
		Token: token,
		URL:   api.auth.conf.FrontendBaseURL + "/reports/" + token,
	})
}

func (api *assessmentApi) sharedReport(ctx echo.Context) error {
	report, err := api.svc.SharedAttempt(ctx.Request().Context(), ctx.Param("token"))
	if err != nil {
		return errors.Wrap(err, "opening shared report")
	}
	return ctx.JSON(http.StatusOK, report)
}

type ShareResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
}
