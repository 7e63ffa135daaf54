package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/user"
)

var (
	userColumns = []string{
		"users.id", "users.name", "users.username", "users.email", "users.is_active", "users.roles",
		"users.password_hash", "users.created_at", "users.updated_at", "users.last_login",
	}
	userOrdering = map[string]string{
		"name":       "users.name",
		"username":   "users.username",
		"email":      "users.email",
		"is_active":  "users.is_active",
		"created_at": "users.created_at",
		"updated_at": "users.updated_at",
		"last_login": "users.last_login",
	}
)

type userRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Username     null.String    `db:"username"`
	Email        null.String    `db:"email"`
	IsActive     bool           `db:"is_active"`
	Roles        types.JSONText `db:"roles"`
	PasswordHash string         `db:"password_hash"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
	LastLogin    null.Time      `db:"last_login"`
}

type userRepository struct {
	baseRepo
}

var _ user.Repository = (*userRepository)(nil) // interface compliance check

func NewUserRepository(exec core.DBExecutor) *userRepository {
	return &userRepository{baseRepo{exec: exec}}
}

func (repo userRepository) values(usr user.User) (map[string]interface{}, error) {
	roles := usr.Roles
	if roles == nil {
		roles = []string{}
	}
	rolesJSON, err := jsonArg(roles)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":          usr.Name,
		"username":      null.NewString(usr.Username, usr.Username != ""),
		"email":         null.NewString(usr.Email, usr.Email != ""),
		"is_active":     usr.Active(),
		"roles":         rolesJSON,
		"password_hash": string(usr.PasswordHash),
		"created_at":    usr.CreatedAt.UTC(),
		"updated_at":    usr.UpdatedAt.UTC(),
		"last_login":    null.NewTime(usr.LastLogin.UTC(), !usr.LastLogin.IsZero()),
	}, nil
}

func (repo userRepository) unmarshal(row userRow) (user.User, error) {
	usr := user.User{
		ID:           row.ID,
		Name:         row.Name,
		Username:     row.Username.String,
		Email:        row.Email.String,
		PasswordHash: []byte(row.PasswordHash),
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	usr.SetActive(row.IsActive)
	if row.LastLogin.Valid {
		usr.LastLogin = row.LastLogin.Time.UTC()
	}
	if err := row.Roles.Unmarshal(&usr.Roles); err != nil {
		return user.User{}, errors.Wrap(err, "decoding roles")
	}
	return usr, nil
}

func (repo userRepository) unmarshalSlice(rows []userRow) ([]user.User, error) {
	users := make([]user.User, 0, len(rows))
	for _, row := range rows {
		usr, err := repo.unmarshal(row)
		if err != nil {
			return nil, err
		}
		users = append(users, usr)
	}
	return users, nil
}

func (repo userRepository) CheckUsernameUniqueness(ctx context.Context, username, email string, excludedUsers []user.User, exec ...core.DBExecutor) error {
	var or sq.Or
	if username != "" {
		or = append(or, sq.Eq{"username": username})
	}
	if email != "" {
		or = append(or, sq.Eq{"email": email})
	}
	if len(or) == 0 {
		return nil
	}
	q := stmt.Select("username", "email").From("users").Where(or).Limit(1)
	if len(excludedUsers) > 0 {
		ids := make([]string, 0, len(excludedUsers))
		for _, u := range excludedUsers {
			ids = append(ids, u.ID)
		}
		q = q.Where(sq.NotEq{"id": ids})
	}

	var found struct {
		Username null.String `db:"username"`
		Email    null.String `db:"email"`
	}
	err := get(ctx, repo.getExec(exec), &found, q)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(err, "checking user uniqueness")
	}
	if username != "" && found.Username.String == username {
		return user.ErrUsernameExists
	}
	return user.ErrEmailExists
}

func (repo userRepository) CreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	usr.ID = uuid.New().String()
	vals, err := repo.values(usr)
	if err != nil {
		return user.User{}, err
	}
	vals["id"] = usr.ID
	if _, err = run(ctx, repo.getExec(exec), stmt.Insert("users").SetMap(vals)); err != nil {
		return user.User{}, errors.Wrap(err, "inserting user")
	}
	return usr, nil
}

func (repo userRepository) QueryUsers(ctx context.Context, filter *user.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]user.User, error) {
	q := stmt.Select(userColumns...).From("users")

	if filter != nil {
		// users with Name, Username or Email matching the search keyword
		if filter.Search != "" {
			val := likeArg(filter.Search)
			q = q.Where(sq.Or{
				sq.Expr("LOWER(users.name) LIKE ?", val),
				sq.Expr("LOWER(users.username) LIKE ?", val),
				sq.Expr("LOWER(users.email) LIKE ?", val),
			})
		}
		// users with any role that starts with any of the provided roles
		if len(filter.Roles) > 0 {
			or := make(sq.Or, 0, len(filter.Roles))
			for _, role := range filter.Roles {
				or = append(or, sq.Expr("users.roles LIKE ?", `%"`+role+`%`))
			}
			q = q.Where(or)
		}
		if filter.IsActive != nil {
			q = q.Where(sq.Eq{"users.is_active": *filter.IsActive})
		}
		if !filter.CreatedFrom.IsZero() {
			q = q.Where(sq.GtOrEq{"users.created_at": filter.CreatedFrom.UTC()})
		}
		if !filter.CreatedTo.IsZero() {
			q = q.Where(sq.LtOrEq{"users.created_at": filter.CreatedTo.UTC()})
		}
	}

	if clauses := orderBy(ordering, userOrdering); len(clauses) > 0 {
		q = q.OrderBy(clauses...)
	} else {
		q = q.OrderBy("users.created_at")
	}

	var rows []userRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying users")
	}
	return repo.unmarshalSlice(rows)
}

func (repo userRepository) GetUser(ctx context.Context, filter user.GetFilter, exec ...core.DBExecutor) (user.User, error) {
	q := stmt.Select(userColumns...).From("users").Limit(1)
	switch {
	case filter.ID != "":
		if _, err := uuid.Parse(filter.ID); err != nil {
			return user.User{}, user.ErrNotFound
		}
		q = q.Where(sq.Eq{"id": filter.ID})
	case filter.Username != "":
		q = q.Where(sq.Eq{"username": filter.Username})
	case filter.Email != "":
		q = q.Where(sq.Eq{"email": filter.Email})
	case filter.UsernameOrEmail != "":
		q = q.Where(sq.Or{sq.Eq{"username": filter.UsernameOrEmail}, sq.Eq{"email": filter.UsernameOrEmail}})
	default:
		return user.User{}, user.ErrNotFound
	}

	var row userRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return user.User{}, trapNoRowsErr(err, user.ErrNotFound, "finding user")
	}
	return repo.unmarshal(row)
}

func (repo userRepository) UpdateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	vals, err := repo.values(usr)
	if err != nil {
		return user.User{}, err
	}
	delete(vals, "created_at")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("users").SetMap(vals).Where(sq.Eq{"id": usr.ID}))
	if err != nil {
		return user.User{}, errors.Wrap(err, "updating user")
	}
	if cnt == 0 {
		return user.User{}, user.ErrNotFound
	}
	return usr, nil
}

func (repo userRepository) UpdateOrCreateUser(ctx context.Context, usr user.User, exec ...core.DBExecutor) (user.User, error) {
	if usr.ID == "" {
		return repo.CreateUser(ctx, usr, exec...)
	}
	return repo.UpdateUser(ctx, usr, exec...)
}

func (repo userRepository) DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	cnt, err := run(ctx, repo.getExec(exec), stmt.Delete("users").Where(sq.Eq{"id": ids}))
	if err != nil {
		return 0, errors.Wrap(err, "deleting users")
	}
	return cnt, nil
}

func (repo userRepository) CreateGuardianship(ctx context.Context, g user.Guardianship, exec ...core.DBExecutor) error {
	q := stmt.Insert("guardianships").
		Columns("parent_id", "student_id", "created_at").
		Values(g.ParentID, g.StudentID, g.CreatedAt.UTC())
	if _, err := run(ctx, repo.getExec(exec), q); err != nil {
		return errors.Wrap(err, "inserting guardianship")
	}
	return nil
}

func (repo userRepository) DeleteGuardianship(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (int, error) {
	q := stmt.Delete("guardianships").Where(sq.Eq{"parent_id": parentID, "student_id": studentID})
	cnt, err := run(ctx, repo.getExec(exec), q)
	if err != nil {
		return 0, errors.Wrap(err, "deleting guardianship")
	}
	return cnt, nil
}

func (repo userRepository) GuardianshipExists(ctx context.Context, parentID, studentID string, exec ...core.DBExecutor) (bool, error) {
	q := stmt.Select("COUNT(*)").From("guardianships").Where(sq.Eq{"parent_id": parentID, "student_id": studentID})
	var cnt int
	if err := get(ctx, repo.getExec(exec), &cnt, q); err != nil {
		return false, errors.Wrap(err, "checking guardianship")
	}
	return cnt > 0, nil
}

func (repo userRepository) QueryStudents(ctx context.Context, parentID string, exec ...core.DBExecutor) ([]user.User, error) {
	q := stmt.Select(userColumns...).
		From("users").
		Join("guardianships ON guardianships.student_id = users.id").
		Where(sq.Eq{"guardianships.parent_id": parentID}).
		OrderBy("users.name", "users.created_at")

	var rows []userRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	return repo.unmarshalSlice(rows)
}
