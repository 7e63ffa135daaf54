package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/assessment"
)

var (
	assessmentColumns = []string{
		"assessments.id", "assessments.title", "assessments.subject", "assessments.kind", "assessments.scale",
		"assessments.domains", "assessments.items", "assessments.is_published", "assessments.created_by",
		"assessments.created_at", "assessments.updated_at",
	}
	assessmentOrdering = map[string]string{
		"title":      "assessments.title",
		"subject":    "assessments.subject",
		"kind":       "assessments.kind",
		"created_at": "assessments.created_at",
		"updated_at": "assessments.updated_at",
	}
	attemptColumns = []string{
		"attempts.id", "attempts.assessment_id", "attempts.student_id", "attempts.submitted_by",
		"attempts.responses", "attempts.result", "attempts.created_at",
	}
)

type assessmentRow struct {
	ID          string         `db:"id"`
	Title       string         `db:"title"`
	Subject     string         `db:"subject"`
	Kind        string         `db:"kind"`
	Scale       types.JSONText `db:"scale"`
	Domains     types.JSONText `db:"domains"`
	Items       types.JSONText `db:"items"`
	IsPublished bool           `db:"is_published"`
	CreatedBy   string         `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

type attemptRow struct {
	ID           string         `db:"id"`
	AssessmentID string         `db:"assessment_id"`
	StudentID    string         `db:"student_id"`
	SubmittedBy  string         `db:"submitted_by"`
	Responses    types.JSONText `db:"responses"`
	Result       types.JSONText `db:"result"`
	CreatedAt    time.Time      `db:"created_at"`
}

type assessmentRepository struct {
	baseRepo
}

var _ assessment.Repository = (*assessmentRepository)(nil) // interface compliance check

func NewAssessmentRepository(exec core.DBExecutor) *assessmentRepository {
	return &assessmentRepository{baseRepo{exec: exec}}
}

func (repo assessmentRepository) values(a assessment.Assessment) (map[string]interface{}, error) {
	vals := map[string]interface{}{
		"title":        a.Title,
		"subject":      a.Subject,
		"kind":         a.Kind,
		"is_published": a.IsPublished,
		"created_by":   a.CreatedBy,
		"created_at":   a.CreatedAt.UTC(),
		"updated_at":   a.UpdatedAt.UTC(),
	}
	for col, v := range map[string]interface{}{"scale": a.Scale, "domains": a.Domains, "items": a.Items} {
		enc, err := jsonArg(v)
		if err != nil {
			return nil, err
		}
		vals[col] = enc
	}
	return vals, nil
}

func (repo assessmentRepository) unmarshal(row assessmentRow) (assessment.Assessment, error) {
	a := assessment.Assessment{
		ID:          row.ID,
		Title:       row.Title,
		Subject:     row.Subject,
		Kind:        row.Kind,
		IsPublished: row.IsPublished,
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if err := row.Scale.Unmarshal(&a.Scale); err != nil {
		return assessment.Assessment{}, errors.Wrap(err, "decoding scale")
	}
	if err := row.Domains.Unmarshal(&a.Domains); err != nil {
		return assessment.Assessment{}, errors.Wrap(err, "decoding domains")
	}
	if err := row.Items.Unmarshal(&a.Items); err != nil {
		return assessment.Assessment{}, errors.Wrap(err, "decoding items")
	}
	return a, nil
}

func (repo assessmentRepository) CreateAssessment(ctx context.Context, a assessment.Assessment, exec ...core.DBExecutor) (assessment.Assessment, error) {
	a.ID = uuid.New().String()
	vals, err := repo.values(a)
	if err != nil {
		return assessment.Assessment{}, err
	}
	vals["id"] = a.ID
	if _, err = run(ctx, repo.getExec(exec), stmt.Insert("assessments").SetMap(vals)); err != nil {
		return assessment.Assessment{}, errors.Wrap(err, "inserting assessment")
	}
	return a, nil
}

func (repo assessmentRepository) UpdateAssessment(ctx context.Context, a assessment.Assessment, exec ...core.DBExecutor) (assessment.Assessment, error) {
	vals, err := repo.values(a)
	if err != nil {
		return assessment.Assessment{}, err
	}
	delete(vals, "created_at")
	delete(vals, "created_by")
	cnt, err := run(ctx, repo.getExec(exec), stmt.Update("assessments").SetMap(vals).Where(sq.Eq{"id": a.ID}))
	if err != nil {
		return assessment.Assessment{}, errors.Wrap(err, "updating assessment")
	}
	if cnt == 0 {
		return assessment.Assessment{}, assessment.ErrNotFound
	}
	return a, nil
}

func (repo assessmentRepository) GetAssessment(ctx context.Context, id string, exec ...core.DBExecutor) (assessment.Assessment, error) {
	q := stmt.Select(assessmentColumns...).From("assessments").Where(sq.Eq{"id": id}).Limit(1)
	var row assessmentRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return assessment.Assessment{}, trapNoRowsErr(err, assessment.ErrNotFound, "finding assessment")
	}
	return repo.unmarshal(row)
}

func (repo assessmentRepository) QueryAssessments(ctx context.Context, filter *assessment.QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]assessment.Assessment, error) {
	q := stmt.Select(assessmentColumns...).From("assessments")

	if filter != nil {
		if filter.Search != "" {
			val := likeArg(filter.Search)
			q = q.Where(sq.Or{
				sq.Expr("LOWER(assessments.title) LIKE ?", val),
				sq.Expr("LOWER(assessments.subject) LIKE ?", val),
			})
		}
		if filter.Subject != "" {
			q = q.Where(sq.Eq{"assessments.subject": filter.Subject})
		}
		if filter.Kind != "" {
			q = q.Where(sq.Eq{"assessments.kind": filter.Kind})
		}
		if filter.PublishedOnly {
			q = q.Where(sq.Eq{"assessments.is_published": true})
		}
	}

	if clauses := orderBy(ordering, assessmentOrdering); len(clauses) > 0 {
		q = q.OrderBy(clauses...)
	} else {
		q = q.OrderBy("assessments.created_at DESC")
	}

	var rows []assessmentRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying assessments")
	}
	list := make([]assessment.Assessment, 0, len(rows))
	for _, row := range rows {
		a, err := repo.unmarshal(row)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}

func (repo assessmentRepository) DeleteAssessment(ctx context.Context, id string, exec ...core.DBExecutor) error {
	cnt, err := run(ctx, repo.getExec(exec), stmt.Delete("assessments").Where(sq.Eq{"id": id}))
	if err != nil {
		return errors.Wrap(err, "deleting assessment")
	}
	if cnt == 0 {
		return assessment.ErrNotFound
	}
	return nil
}

// Attempts

func (repo assessmentRepository) unmarshalAttempt(row attemptRow) (assessment.Attempt, error) {
	at := assessment.Attempt{
		ID:           row.ID,
		AssessmentID: row.AssessmentID,
		StudentID:    row.StudentID,
		SubmittedBy:  row.SubmittedBy,
		CreatedAt:    row.CreatedAt.UTC(),
	}
	if err := row.Responses.Unmarshal(&at.Responses); err != nil {
		return assessment.Attempt{}, errors.Wrap(err, "decoding responses")
	}
	if err := row.Result.Unmarshal(&at.Result); err != nil {
		return assessment.Attempt{}, errors.Wrap(err, "decoding result")
	}
	return at, nil
}

func (repo assessmentRepository) CreateAttempt(ctx context.Context, at assessment.Attempt, exec ...core.DBExecutor) (assessment.Attempt, error) {
	at.ID = uuid.New().String()
	responses := at.Responses
	if responses == nil {
		responses = map[string]string{}
	}
	responsesJSON, err := jsonArg(responses)
	if err != nil {
		return assessment.Attempt{}, err
	}
	resultJSON, err := jsonArg(at.Result)
	if err != nil {
		return assessment.Attempt{}, err
	}

	q := stmt.Insert("attempts").SetMap(map[string]interface{}{
		"id":            at.ID,
		"assessment_id": at.AssessmentID,
		"student_id":    at.StudentID,
		"submitted_by":  at.SubmittedBy,
		"responses":     responsesJSON,
		"result":        resultJSON,
		"created_at":    at.CreatedAt.UTC(),
	})
	if _, err = run(ctx, repo.getExec(exec), q); err != nil {
		return assessment.Attempt{}, errors.Wrap(err, "inserting attempt")
	}
	return at, nil
}

func (repo assessmentRepository) GetAttempt(ctx context.Context, id string, exec ...core.DBExecutor) (assessment.Attempt, error) {
	q := stmt.Select(attemptColumns...).From("attempts").Where(sq.Eq{"attempts.id": id}).Limit(1)
	var row attemptRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return assessment.Attempt{}, trapNoRowsErr(err, assessment.ErrAttemptNotFound, "finding attempt")
	}
	return repo.unmarshalAttempt(row)
}

func (repo assessmentRepository) QueryAttempts(ctx context.Context, filter assessment.AttemptFilter, exec ...core.DBExecutor) ([]assessment.Attempt, error) {
	q := stmt.Select(attemptColumns...).
		From("attempts").
		OrderBy("attempts.created_at DESC", "attempts.id")

	if filter.StudentID != "" {
		q = q.Where(sq.Eq{"attempts.student_id": filter.StudentID})
	}
	if filter.AssessmentID != "" {
		q = q.Where(sq.Eq{"attempts.assessment_id": filter.AssessmentID})
	}
	if filter.Kind != "" {
		q = q.Join("assessments ON assessments.id = attempts.assessment_id").
			Where(sq.Eq{"assessments.kind": filter.Kind})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []attemptRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}
	attempts := make([]assessment.Attempt, 0, len(rows))
	for _, row := range rows {
		at, err := repo.unmarshalAttempt(row)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, at)
	}
	return attempts, nil
}
