package coaching

import (
	"context"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
)

const refSession = "coaching_session"

type (
	Repository interface {
		CreateSession(ctx context.Context, s Session, exec ...core.DBExecutor) (Session, error)
		UpdateSession(ctx context.Context, s Session, exec ...core.DBExecutor) (Session, error)
		GetSession(ctx context.Context, id string, exec ...core.DBExecutor) (Session, error)
		QuerySessions(ctx context.Context, filter QueryFilter, exec ...core.DBExecutor) ([]Session, error)
		// HasOverlap reports whether the coach or the student has a booked session overlapping [start, end).
		HasOverlap(ctx context.Context, coachID, studentID string, start, end time.Time, exec ...core.DBExecutor) (bool, error)
	}

	Service interface {
		Book(ctx context.Context, actor user.User, ns NewSession) (Session, error)
		// Cancel cancels a booked session. Credits are refunded when the coach or an admin cancels,
		// or when the cancellation comes at least Coaching.CancellationWindow before the start.
		Cancel(ctx context.Context, actor user.User, id string) (Session, error)
		Complete(ctx context.Context, actor user.User, id, notes string) (Session, error)
		MarkNoShow(ctx context.Context, actor user.User, id string) (Session, error)
		Get(ctx context.Context, actor user.User, id string) (Session, error)
		Query(ctx context.Context, actor user.User, filter QueryFilter) ([]Session, error)
	}

	service struct {
		db             core.DB
		repo           Repository
		userSvc        user.Service
		entitlementSvc entitlement.Service
		mailSvc        core.EmailService
		conf           *core.Config
		now            func() time.Time
	}
)

var _ Service = (*service)(nil)

func NewService(
	db core.DB,
	repo Repository,
	userSvc user.Service,
	entitlementSvc entitlement.Service,
	mailSvc core.EmailService,
	conf *core.Config,
) Service {
	return &service{
		db:             db,
		repo:           repo,
		userSvc:        userSvc,
		entitlementSvc: entitlementSvc,
		mailSvc:        mailSvc,
		conf:           conf,
		now:            time.Now,
	}
}

func (svc *service) Book(ctx context.Context, actor user.User, ns NewSession) (Session, error) {
	ok, err := svc.userSvc.CanActFor(ctx, actor, ns.StudentID)
	if err != nil {
		return Session{}, errors.Wrap(err, "checking guardianship")
	}
	if !ok {
		return Session{}, core.ErrForbidden
	}

	coach, err := svc.userSvc.GetByID(ctx, ns.CoachID)
	if err != nil && errors.Cause(err) != user.ErrNotFound {
		return Session{}, errors.Wrap(err, "finding coach")
	}
	if err != nil || !coach.IsCoach() || !coach.Active() {
		return Session{}, core.NewFieldError("coach_id", "coach not found")
	}
	student, err := svc.userSvc.GetByID(ctx, ns.StudentID)
	if err != nil {
		return Session{}, errors.Wrap(err, "finding student")
	}

	now := svc.now().UTC()
	if !ns.StartsAt.After(now) {
		return Session{}, core.NewFieldError("starts_at", "must be in the future")
	}
	if err = svc.entitlementSvc.Require(ctx, ns.StudentID, entitlement.FeatureCoaching); err != nil {
		return Session{}, err
	}

	s := Session{
		StudentID:       ns.StudentID,
		CoachID:         ns.CoachID,
		BookedBy:        actor.ID,
		StartsAt:        ns.StartsAt,
		EndsAt:          ns.StartsAt.Add(time.Duration(ns.DurationMinutes) * time.Minute),
		DurationMinutes: ns.DurationMinutes,
		Status:          StatusBooked,
		Credits:         Cost(ns.DurationMinutes, svc.conf.Coaching.CreditsPerHour),
		Notes:           ns.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		taken, err := svc.repo.HasOverlap(ctx, s.CoachID, s.StudentID, s.StartsAt, s.EndsAt, exec)
		if err != nil {
			return errors.Wrap(err, "checking availability")
		}
		if taken {
			return ErrSlotTaken
		}
		if s, err = svc.repo.CreateSession(ctx, s, exec); err != nil {
			return errors.Wrap(err, "creating session")
		}
		if s.Credits > 0 {
			_, err = svc.entitlementSvc.ConsumeCredits(ctx, s.StudentID, s.Credits, "coaching session", entitlement.Ref{Type: refSession, ID: s.ID}, exec)
		}
		return err
	})
	if err != nil {
		return Session{}, err
	}

	svc.notify(s, "session_booked", "Coaching session booked", map[string]interface{}{
		"Coach":    displayName(coach),
		"Student":  displayName(student),
		"StartsAt": s.StartsAt.Format(time.RFC1123),
		"Duration": s.DurationMinutes,
		"Credits":  s.Credits,
	}, recipients(actor, coach, student)...)
	return s, nil
}

func (svc *service) Cancel(ctx context.Context, actor user.User, id string) (Session, error) {
	s, err := svc.Get(ctx, actor, id)
	if err != nil {
		return Session{}, err
	}

	byStaff := actor.IsAdmin() || actor.ID == s.CoachID
	now := svc.now().UTC()
	refund := byStaff || s.StartsAt.Sub(now) >= svc.conf.Coaching.CancellationWindow

	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if s, err = svc.repo.GetSession(ctx, id, exec); err != nil {
			return err
		}
		if err = s.close(StatusCanceled, now); err != nil {
			return err
		}
		s.CanceledBy = actor.ID
		if s, err = svc.repo.UpdateSession(ctx, s, exec); err != nil {
			return errors.Wrap(err, "updating session")
		}
		if refund && s.Credits > 0 {
			_, err = svc.entitlementSvc.GrantCredits(ctx, s.StudentID, s.Credits, "coaching session canceled", entitlement.Ref{Type: refSession, ID: s.ID}, exec)
		}
		return err
	})
	if err != nil {
		return Session{}, err
	}

	coach, cerr := svc.userSvc.GetByID(ctx, s.CoachID)
	student, serr := svc.userSvc.GetByID(ctx, s.StudentID)
	if cerr == nil && serr == nil {
		svc.notify(s, "session_canceled", "Coaching session canceled", map[string]interface{}{
			"Coach":      displayName(coach),
			"Student":    displayName(student),
			"StartsAt":   s.StartsAt.Format(time.RFC1123),
			"CanceledBy": displayName(actor),
			"Refunded":   refund && s.Credits > 0,
			"Credits":    s.Credits,
		}, recipients(actor, coach, student)...)
	}
	return s, nil
}

func (svc *service) finish(ctx context.Context, actor user.User, id string, to Status, notes *string) (Session, error) {
	var s Session
	err := core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		var err error
		if s, err = svc.repo.GetSession(ctx, id, exec); err != nil {
			return err
		}
		if !actor.IsAdmin() && actor.ID != s.CoachID {
			return core.ErrForbidden
		}
		if err = s.close(to, svc.now().UTC()); err != nil {
			return err
		}
		if notes != nil && *notes != "" {
			s.Notes = core.CleanString(*notes)
		}
		s, err = svc.repo.UpdateSession(ctx, s, exec)
		return errors.Wrap(err, "updating session")
	})
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (svc *service) Complete(ctx context.Context, actor user.User, id, notes string) (Session, error) {
	return svc.finish(ctx, actor, id, StatusCompleted, &notes)
}

func (svc *service) MarkNoShow(ctx context.Context, actor user.User, id string) (Session, error) {
	return svc.finish(ctx, actor, id, StatusNoShow, nil)
}

func (svc *service) Get(ctx context.Context, actor user.User, id string) (Session, error) {
	s, err := svc.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if actor.ID == s.CoachID || actor.ID == s.BookedBy {
		return s, nil
	}
	ok, err := svc.userSvc.CanActFor(ctx, actor, s.StudentID)
	if err != nil {
		return Session{}, errors.Wrap(err, "checking guardianship")
	}
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Query restricts the filter to the sessions visible to actor.
func (svc *service) Query(ctx context.Context, actor user.User, filter QueryFilter) ([]Session, error) {
	switch {
	case actor.IsAdmin():
	case actor.IsCoach():
		filter.CoachID = actor.ID
	case actor.IsParent():
		students, err := svc.userSvc.Students(ctx, actor.ID)
		if err != nil {
			return nil, errors.Wrap(err, "querying students")
		}
		filter.StudentIDs = make([]string, len(students))
		for i, st := range students {
			filter.StudentIDs[i] = st.ID
		}
		if len(filter.StudentIDs) == 0 {
			return []Session{}, nil
		}
	default:
		filter.StudentIDs = []string{actor.ID}
	}
	return svc.repo.QuerySessions(ctx, filter)
}

func (svc *service) notify(s Session, tmpl, subject string, data map[string]interface{}, users ...user.User) {
	var msgs []*core.EmailMessage
	for _, u := range users {
		if u.Email == "" {
			continue
		}
		d := make(map[string]interface{}, len(data)+1)
		for k, v := range data {
			d[k] = v
		}
		d["Name"] = displayName(u)
		d["SessionID"] = s.ID
		msgs = append(msgs, &core.EmailMessage{
			To:           []mail.Address{{Name: displayName(u), Address: u.Email}},
			Subject:      subject,
			TemplateName: tmpl,
			TemplateData: d,
		})
	}
	if len(msgs) > 0 {
		svc.mailSvc.SendMessages(msgs...)
	}
}

func displayName(u user.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

// recipients returns the coach and the student, plus the actor when they are someone else (eg. a parent).
func recipients(actor, coach, student user.User) []user.User {
	users := []user.User{coach, student}
	if actor.ID != coach.ID && actor.ID != student.ID && !actor.IsAdmin() {
		users = append(users, actor)
	}
	return users
}
