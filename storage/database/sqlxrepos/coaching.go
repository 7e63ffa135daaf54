package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/coaching"
)

var sessionColumns = []string{
	"id", "student_id", "coach_id", "booked_by", "starts_at", "ends_at", "duration_minutes", "status",
	"credits", "notes", "canceled_by", "created_at", "updated_at",
}

type sessionRow struct {
	ID              string      `db:"id"`
	StudentID       string      `db:"student_id"`
	CoachID         string      `db:"coach_id"`
	BookedBy        string      `db:"booked_by"`
	StartsAt        time.Time   `db:"starts_at"`
	EndsAt          time.Time   `db:"ends_at"`
	DurationMinutes int         `db:"duration_minutes"`
	Status          string      `db:"status"`
	Credits         int         `db:"credits"`
	Notes           string      `db:"notes"`
	CanceledBy      null.String `db:"canceled_by"`
	CreatedAt       time.Time   `db:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at"`
}

func (row sessionRow) unmarshal() coaching.Session {
	return coaching.Session{
		ID:              row.ID,
		StudentID:       row.StudentID,
		CoachID:         row.CoachID,
		BookedBy:        row.BookedBy,
		StartsAt:        row.StartsAt.UTC(),
		EndsAt:          row.EndsAt.UTC(),
		DurationMinutes: row.DurationMinutes,
		Status:          coaching.Status(row.Status),
		Credits:         row.Credits,
		Notes:           row.Notes,
		CanceledBy:      row.CanceledBy.String,
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
}

type coachingRepository struct {
	baseRepo
}

var _ coaching.Repository = (*coachingRepository)(nil) // interface compliance check

func NewCoachingRepository(exec core.DBExecutor) *coachingRepository {
	return &coachingRepository{baseRepo{exec: exec}}
}

func (repo coachingRepository) values(s coaching.Session) map[string]interface{} {
	return map[string]interface{}{
		"student_id":       s.StudentID,
		"coach_id":         s.CoachID,
		"booked_by":        s.BookedBy,
		"starts_at":        s.StartsAt.UTC(),
		"ends_at":          s.EndsAt.UTC(),
		"duration_minutes": s.DurationMinutes,
		"status":           string(s.Status),
		"credits":          s.Credits,
		"notes":            s.Notes,
		"canceled_by":      null.NewString(s.CanceledBy, s.CanceledBy != ""),
		"created_at":       s.CreatedAt.UTC(),
		"updated_at":       s.UpdatedAt.UTC(),
	}
}

func (repo coachingRepository) CreateSession(ctx context.Context, s coaching.Session, exec ...core.DBExecutor) (coaching.Session, error) {
	s.ID = uuid.New().String()
	vals := repo.values(s)
	vals["id"] = s.ID
	if _, err := run(ctx, repo.getExec(exec), stmt.Insert("coaching_sessions").SetMap(vals)); err != nil {
		return coaching.Session{}, errors.Wrap(err, "inserting session")
	}
	return s, nil
}

func (repo coachingRepository) UpdateSession(ctx context.Context, s coaching.Session, exec ...core.DBExecutor) (coaching.Session, error) {
	vals := repo.values(s)
	delete(vals, "created_at")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("coaching_sessions").SetMap(vals).Where(sq.Eq{"id": s.ID}))
	if err != nil {
		return coaching.Session{}, errors.Wrap(err, "updating session")
	}
	if cnt == 0 {
		return coaching.Session{}, coaching.ErrNotFound
	}
	return s, nil
}

func (repo coachingRepository) GetSession(ctx context.Context, id string, exec ...core.DBExecutor) (coaching.Session, error) {
	q := stmt.Select(sessionColumns...).From("coaching_sessions").Where(sq.Eq{"id": id}).Limit(1)
	var row sessionRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return coaching.Session{}, trapNoRowsErr(err, coaching.ErrNotFound, "finding session")
	}
	return row.unmarshal(), nil
}

func (repo coachingRepository) QuerySessions(ctx context.Context, filter coaching.QueryFilter, exec ...core.DBExecutor) ([]coaching.Session, error) {
	q := stmt.Select(sessionColumns...).From("coaching_sessions").OrderBy("starts_at", "created_at")
	if filter.StudentID != "" {
		q = q.Where(sq.Eq{"student_id": filter.StudentID})
	}
	if len(filter.StudentIDs) > 0 {
		q = q.Where(sq.Eq{"student_id": filter.StudentIDs})
	}
	if filter.CoachID != "" {
		q = q.Where(sq.Eq{"coach_id": filter.CoachID})
	}
	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"starts_at": filter.From.UTC()})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.Lt{"starts_at": filter.To.UTC()})
	}

	var rows []sessionRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying sessions")
	}
	sessions := make([]coaching.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.unmarshal())
	}
	return sessions, nil
}

func (repo coachingRepository) HasOverlap(ctx context.Context, coachID, studentID string, start, end time.Time, exec ...core.DBExecutor) (bool, error) {
	q := stmt.Select("COUNT(*)").
		From("coaching_sessions").
		Where(sq.Eq{"status": string(coaching.StatusBooked)}).
		Where(sq.Or{sq.Eq{"coach_id": coachID}, sq.Eq{"student_id": studentID}}).
		Where(sq.Lt{"starts_at": end.UTC()}).
		Where(sq.Gt{"ends_at": start.UTC()})

	var cnt int
	if err := get(ctx, repo.getExec(exec), &cnt, q); err != nil {
		return false, errors.Wrap(err, "checking overlapping sessions")
	}
	return cnt > 0, nil
}
