package assessment

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/signing"
	"github.com/tutora/tutora/core/user"
)

const shareSalt = "tutora.core.assessment.share"

var ErrInvalidShareLink = errors.New("invalid or expired report link")

type (
	Repository interface {
		CreateAssessment(ctx context.Context, a Assessment, exec ...core.DBExecutor) (Assessment, error)
		UpdateAssessment(ctx context.Context, a Assessment, exec ...core.DBExecutor) (Assessment, error)
		GetAssessment(ctx context.Context, id string, exec ...core.DBExecutor) (Assessment, error)
		QueryAssessments(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Assessment, error)
		DeleteAssessment(ctx context.Context, id string, exec ...core.DBExecutor) error

		CreateAttempt(ctx context.Context, at Attempt, exec ...core.DBExecutor) (Attempt, error)
		GetAttempt(ctx context.Context, id string, exec ...core.DBExecutor) (Attempt, error)
		// QueryAttempts returns the matching attempts, the latest first.
		QueryAttempts(ctx context.Context, filter AttemptFilter, exec ...core.DBExecutor) ([]Attempt, error)
	}

	Service interface {
		Create(ctx context.Context, actor user.User, na NewAssessment) (Assessment, error)
		Update(ctx context.Context, actor user.User, a Assessment, na NewAssessment) (Assessment, error)
		Publish(ctx context.Context, actor user.User, a Assessment) (Assessment, error)
		Get(ctx context.Context, id string) (Assessment, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Assessment, error)
		Delete(ctx context.Context, actor user.User, a Assessment) error

		// Submit scores the responses of a student to a published assessment and stores the attempt.
		Submit(ctx context.Context, actor user.User, assessmentID string, na NewAttempt) (Attempt, error)
		GetAttempt(ctx context.Context, id string) (Attempt, error)
		QueryAttempts(ctx context.Context, filter AttemptFilter) ([]Attempt, error)
		// LatestFocusAreas returns the focus areas of the latest diagnostic taken by the student.
		LatestFocusAreas(ctx context.Context, studentID string) ([]string, error)

		ShareLink(at Attempt) string
		SharedAttempt(ctx context.Context, token string) (SharedReport, error)
	}

	service struct {
		repo           Repository
		userSvc        user.Service
		entitlementSvc entitlement.Service
		signer         *signing.Signer
		conf           *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(repo Repository, userSvc user.Service, entitlementSvc entitlement.Service, conf *core.Config) Service {
	return &service{
		repo:           repo,
		userSvc:        userSvc,
		entitlementSvc: entitlementSvc,
		signer:         signing.New(conf.SecretKey, shareSalt),
		conf:           conf,
	}
}

func canAuthor(actor user.User) bool {
	return actor.IsAdmin() || actor.IsCoach()
}

func canEdit(actor user.User, a Assessment) bool {
	return actor.IsAdmin() || (actor.IsCoach() && a.CreatedBy == actor.ID)
}

func (svc *service) Create(ctx context.Context, actor user.User, na NewAssessment) (Assessment, error) {
	if !canAuthor(actor) {
		return Assessment{}, core.ErrForbidden
	}
	now := time.Now().UTC()
	a := Assessment{CreatedBy: actor.ID, CreatedAt: now, UpdatedAt: now}
	na.apply(&a)
	return svc.repo.CreateAssessment(ctx, a)
}

func (svc *service) Update(ctx context.Context, actor user.User, a Assessment, na NewAssessment) (Assessment, error) {
	if !canEdit(actor, a) {
		return Assessment{}, core.ErrForbidden
	}
	na.apply(&a)
	a.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateAssessment(ctx, a)
}

func (svc *service) Publish(ctx context.Context, actor user.User, a Assessment) (Assessment, error) {
	if !canEdit(actor, a) {
		return Assessment{}, core.ErrForbidden
	}
	if a.IsPublished {
		return a, nil
	}
	a.IsPublished = true
	a.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateAssessment(ctx, a)
}

func (svc *service) Get(ctx context.Context, id string) (Assessment, error) {
	return svc.repo.GetAssessment(ctx, id)
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]Assessment, error) {
	return svc.repo.QueryAssessments(ctx, filter, ordering)
}

func (svc *service) Delete(ctx context.Context, actor user.User, a Assessment) error {
	if !canEdit(actor, a) {
		return core.ErrForbidden
	}
	return svc.repo.DeleteAssessment(ctx, a.ID)
}

func (svc *service) Submit(ctx context.Context, actor user.User, assessmentID string, na NewAttempt) (Attempt, error) {
	ok, err := svc.userSvc.CanActFor(ctx, actor, na.StudentID)
	if err != nil {
		return Attempt{}, errors.Wrap(err, "checking guardianship")
	}
	if !ok {
		return Attempt{}, core.ErrForbidden
	}
	student, err := svc.userSvc.GetByID(ctx, na.StudentID)
	if err != nil {
		if errors.Cause(err) == user.ErrNotFound {
			return Attempt{}, core.NewFieldError("student_id", "user not found")
		}
		return Attempt{}, errors.Wrap(err, "finding student")
	}
	if !student.IsStudent() {
		return Attempt{}, core.NewFieldError("student_id", "user is not a student")
	}

	a, err := svc.repo.GetAssessment(ctx, assessmentID)
	if err != nil {
		return Attempt{}, err
	}
	if !a.IsPublished {
		return Attempt{}, ErrNotPublished
	}
	if err = svc.entitlementSvc.Require(ctx, student.ID, entitlement.FeatureDiagnostics); err != nil {
		return Attempt{}, err
	}

	items := make(map[string]bool, len(a.Items))
	for _, it := range a.Items {
		items[it.ID] = true
	}
	var unknown []core.FieldError
	for id := range na.Responses {
		if !items[id] {
			unknown = append(unknown, core.FieldError{Field: "responses", Error: "unknown item: " + id})
		}
	}
	if len(unknown) > 0 {
		sort.Slice(unknown, func(i, j int) bool { return unknown[i].Error < unknown[j].Error })
		return Attempt{}, core.NewValidationError(nil, unknown...)
	}

	return svc.repo.CreateAttempt(ctx, Attempt{
		AssessmentID: a.ID,
		StudentID:    student.ID,
		SubmittedBy:  actor.ID,
		Responses:    na.Responses,
		Result:       Score(a, na.Responses),
		CreatedAt:    time.Now().UTC(),
	})
}

func (svc *service) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	return svc.repo.GetAttempt(ctx, id)
}

func (svc *service) QueryAttempts(ctx context.Context, filter AttemptFilter) ([]Attempt, error) {
	return svc.repo.QueryAttempts(ctx, filter)
}

func (svc *service) LatestFocusAreas(ctx context.Context, studentID string) ([]string, error) {
	attempts, err := svc.repo.QueryAttempts(ctx, AttemptFilter{StudentID: studentID, Kind: KindDiagnostic, Limit: 1})
	if err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return attempts[0].Result.FocusAreas, nil
}

// ShareLink returns a token granting read access to the attempt's report for Report.ShareMaxAge.
func (svc *service) ShareLink(at Attempt) string {
	return svc.signer.Sign(at.ID)
}

func (svc *service) SharedAttempt(ctx context.Context, token string) (SharedReport, error) {
	id, err := svc.signer.Verify(token, svc.conf.Report.ShareMaxAge)
	if err != nil {
		return SharedReport{}, ErrInvalidShareLink
	}
	at, err := svc.repo.GetAttempt(ctx, id)
	if err != nil {
		if errors.Cause(err) == ErrAttemptNotFound {
			return SharedReport{}, ErrInvalidShareLink
		}
		return SharedReport{}, err
	}
	a, err := svc.repo.GetAssessment(ctx, at.AssessmentID)
	if err != nil {
		return SharedReport{}, errors.Wrap(err, "finding assessment")
	}
	return SharedReport{
		Assessment: a.Title,
		Subject:    a.Subject,
		Result:     at.Result,
		CreatedAt:  at.CreatedAt,
	}, nil
}
