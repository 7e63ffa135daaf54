package user

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

var (
	ErrNotFound       = errors.New("user not found")
	ErrUsernameExists = errors.New("a user with this username already exists")
	ErrEmailExists    = errors.New("a user with this email already exists")

	errNotAParent  = "user is not a parent"
	errNotAStudent = "user is not a student"
	errInvalidVal  = "invalid value"
)

type (
	Repository interface {
		// CheckUsernameUniqueness returns ErrUsernameExists or ErrEmailExists when another user holds username or email.
		CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers []User, exec ...core.DBExecutor) error
		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.Name, User.Username or User.Email.
		QueryUsers(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]User, error)
		GetUser(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (User, error)
		UpdateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		UpdateOrCreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error)

		CreateGuardianship(ctx context.Context, g Guardianship, exec ...core.DBExecutor) error
		DeleteGuardianship(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (int, error)
		GuardianshipExists(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (bool, error)
		QueryStudents(ctx context.Context, parentID string, exec ...core.DBExecutor) ([]User, error)
	}

	Service interface {
		CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error
		Create(ctx context.Context, nu NewUser) (User, error)
		Signup(ctx context.Context, nu NewUser) (User, error)
		CreateStudent(ctx context.Context, parent User, nu NewUser) (User, error)
		Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error)
		GetByID(ctx context.Context, id string) (User, error)
		GetByUsernameOrEmail(ctx context.Context, uname string) (User, error)
		Update(ctx context.Context, usr User, uu UpdateUser) (User, error)
		SetLastLogin(ctx context.Context, usr User) (User, error)
		Delete(ctx context.Context, ids ...string) (int, error)

		LinkStudent(ctx context.Context, parentID, studentID string) error
		UnlinkStudent(ctx context.Context, parentID, studentID string) error
		Students(ctx context.Context, parentID string) ([]User, error)
		IsGuardian(ctx context.Context, parentID, studentID string) (bool, error)
		// CanActFor reports whether actor may act on behalf of the student: themselves, their guardian or an admin.
		CanActFor(ctx context.Context, actor User, studentID string) (bool, error)

		RequestPasswordReset(ctx context.Context, email string) error
		ResetPassword(ctx context.Context, rp ResetUserPassword) error
	}

	service struct {
		db      core.DB
		repo    Repository
		mailSvc core.EmailService
		tokens  *TokenGenerator
		conf    *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(db core.DB, repo Repository, mailSvc core.EmailService, conf *core.Config) Service {
	return newService(db, repo, mailSvc, conf)
}

func newService(db core.DB, repo Repository, mailSvc core.EmailService, conf *core.Config) *service {
	return &service{
		db:      db,
		repo:    repo,
		mailSvc: mailSvc,
		tokens:  NewTokenGenerator(conf),
		conf:    conf,
	}
}

func (svc *service) CheckUniqueness(ctx context.Context, uname, email string, exclUsers ...User) error {
	if err := svc.repo.CheckUsernameUniqueness(ctx, uname, email, exclUsers); err != nil {
		var field string
		switch errors.Cause(err) {
		case ErrUsernameExists:
			field = "username"
		case ErrEmailExists:
			field = "email"
		default:
			return errors.Wrap(err, "checking uniqueness")
		}
		return core.NewValidationError(err, core.FieldError{Field: field, Error: err.Error()})
	}
	return nil
}

func (svc *service) newUser(nu NewUser, roles []string) (User, error) {
	now := time.Now().UTC()
	usr := User{
		Name:      nu.Name,
		Username:  nu.Username,
		Email:     nu.Email,
		Roles:     roles,
		CreatedAt: now,
		UpdatedAt: now,
	}
	usr.SetActive(true)
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "setting password")
	}
	return usr, nil
}

func (svc *service) Create(ctx context.Context, nu NewUser) (User, error) {
	usr, err := svc.newUser(nu, nu.Roles)
	if err != nil {
		return User{}, err
	}
	return svc.repo.CreateUser(ctx, usr)
}

// Signup registers a parent account.
func (svc *service) Signup(ctx context.Context, nu NewUser) (User, error) {
	usr, err := svc.newUser(nu, []string{RoleParent})
	if err != nil {
		return User{}, err
	}
	return svc.repo.CreateUser(ctx, usr)
}

// CreateStudent creates a student account managed by parent.
func (svc *service) CreateStudent(ctx context.Context, parent User, nu NewUser) (User, error) {
	if !parent.IsParent() {
		return User{}, core.ErrForbidden
	}
	usr, err := svc.newUser(nu, []string{RoleStudent})
	if err != nil {
		return User{}, err
	}

	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		if usr, err = svc.repo.CreateUser(ctx, usr, exec); err != nil {
			return err
		}
		return svc.repo.CreateGuardianship(ctx, Guardianship{
			ParentID:  parent.ID,
			StudentID: usr.ID,
			CreatedAt: usr.CreatedAt,
		}, exec)
	})
	if err != nil {
		return User{}, errors.Wrap(err, "creating student")
	}
	return usr, nil
}

func (svc *service) Query(ctx context.Context, filter *QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

func (svc *service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *service) GetByUsernameOrEmail(ctx context.Context, uname string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{UsernameOrEmail: core.CleanString(uname, true /* lower */)})
}

func (svc *service) Update(ctx context.Context, usr User, uu UpdateUser) (User, error) {
	usr.Name = uu.Name
	usr.Username = uu.Username
	usr.Email = uu.Email
	if uu.Roles != nil {
		usr.Roles = uu.Roles
	}
	if uu.IsActive != nil {
		usr.SetActive(*uu.IsActive)
	}
	if uu.Password != "" {
		if err := usr.SetPassword(uu.Password); err != nil {
			return User{}, errors.Wrap(err, "setting password")
		}
	}
	usr.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) SetLastLogin(ctx context.Context, usr User) (User, error) {
	usr.LastLogin = time.Now().UTC()
	return svc.repo.UpdateUser(ctx, usr)
}

func (svc *service) Delete(ctx context.Context, ids ...string) (int, error) {
	return svc.repo.DeleteUsersByID(ctx, ids)
}

// LinkStudent makes parentID a guardian of studentID. Linking twice is a no-op.
func (svc *service) LinkStudent(ctx context.Context, parentID, studentID string) error {
	return core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		parent, err := svc.repo.GetUser(ctx, GetFilter{ID: parentID}, exec)
		if err != nil {
			return errors.Wrap(err, "finding parent")
		}
		if !parent.IsParent() {
			return core.NewFieldError("parent_id", errNotAParent)
		}
		student, err := svc.repo.GetUser(ctx, GetFilter{ID: studentID}, exec)
		if err != nil {
			return errors.Wrap(err, "finding student")
		}
		if !student.IsStudent() {
			return core.NewFieldError("student_id", errNotAStudent)
		}

		exists, err := svc.repo.GuardianshipExists(ctx, parentID, studentID, exec)
		if err != nil || exists {
			return err
		}
		return svc.repo.CreateGuardianship(ctx, Guardianship{
			ParentID:  parentID,
			StudentID: studentID,
			CreatedAt: time.Now().UTC(),
		}, exec)
	})
}

func (svc *service) UnlinkStudent(ctx context.Context, parentID, studentID string) error {
	cnt, err := svc.repo.DeleteGuardianship(ctx, parentID, studentID)
	if err != nil {
		return errors.Wrap(err, "deleting guardianship")
	}
	if cnt == 0 {
		return ErrNotFound
	}
	return nil
}

func (svc *service) Students(ctx context.Context, parentID string) ([]User, error) {
	return svc.repo.QueryStudents(ctx, parentID)
}

func (svc *service) IsGuardian(ctx context.Context, parentID, studentID string) (bool, error) {
	return svc.repo.GuardianshipExists(ctx, parentID, studentID)
}

func (svc *service) CanActFor(ctx context.Context, actor User, studentID string) (bool, error) {
	if actor.ID == studentID || actor.IsAdmin() {
		return true, nil
	}
	if !actor.IsParent() {
		return false, nil
	}
	return svc.IsGuardian(ctx, actor.ID, studentID)
}

// RequestPasswordReset emails a password reset link to the active user owning email.
// Unknown emails are reported as ErrNotFound; callers should not leak that to clients.
func (svc *service) RequestPasswordReset(ctx context.Context, email string) error {
	usr, err := svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
	if err != nil {
		return err
	}
	if !usr.Active() {
		return ErrNotFound
	}
	svc.sendPasswordResetMail(usr)
	return nil
}

func (svc *service) sendPasswordResetMail(usr User) {
	uid := EncodeUID(usr)
	token := svc.tokens.MakeToken(usr)
	name := usr.Name
	if name == "" {
		name = usr.Username
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:           []mail.Address{{Name: name, Address: usr.Email}},
		Subject:      "Password Reset",
		TemplateName: "password_reset",
		TemplateData: map[string]interface{}{
			"Name": name,
			"URL":  fmt.Sprintf("%s/password-reset/%s/%s", svc.conf.FrontendBaseURL, uid, token),
		},
	})
}

func (svc *service) ResetPassword(ctx context.Context, rp ResetUserPassword) error {
	id, err := decodeUID(rp.UID)
	if err != nil {
		return core.NewFieldError("uid", errInvalidVal)
	}
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return core.NewFieldError("uid", errInvalidVal)
		}
		return errors.Wrap(err, "finding user")
	}
	if err = svc.tokens.VerifyToken(usr, rp.Token); err != nil {
		return core.NewFieldError("token", errInvalidVal)
	}

	if err = usr.SetPassword(rp.Password); err != nil {
		return errors.Wrap(err, "setting password")
	}
	usr.UpdatedAt = time.Now().UTC()
	if _, err = svc.repo.UpdateUser(ctx, usr); err != nil {
		return errors.Wrap(err, "updating user")
	}
	return nil
}
