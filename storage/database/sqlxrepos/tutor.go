package sqlxrepos

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/tutor"
)

var (
	conversationColumns = []string{"id", "user_id", "student_id", "subject", "title", "created_at", "updated_at"}
	messageColumns      = []string{"id", "conversation_id", "role", "content", "tokens", "credits", "created_at"}
)

type conversationRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	StudentID string    `db:"student_id"`
	Subject   string    `db:"subject"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (row conversationRow) unmarshal() tutor.Conversation {
	return tutor.Conversation{
		ID:        row.ID,
		UserID:    row.UserID,
		StudentID: row.StudentID,
		Subject:   row.Subject,
		Title:     row.Title,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
}

type messageRow struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	Role           string    `db:"role"`
	Content        string    `db:"content"`
	Tokens         int       `db:"tokens"`
	Credits        int       `db:"credits"`
	CreatedAt      time.Time `db:"created_at"`
}

type tutorRepository struct {
	baseRepo
}

var _ tutor.Repository = (*tutorRepository)(nil) // interface compliance check

func NewTutorRepository(exec core.DBExecutor) *tutorRepository {
	return &tutorRepository{baseRepo{exec: exec}}
}

func (repo tutorRepository) CreateConversation(ctx context.Context, c tutor.Conversation, exec ...core.DBExecutor) (tutor.Conversation, error) {
	c.ID = uuid.New().String()
	q := stmt.Insert("tutor_conversations").
		Columns(conversationColumns...).
		Values(c.ID, c.UserID, c.StudentID, c.Subject, c.Title, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if _, err := run(ctx, repo.getExec(exec), q); err != nil {
		return tutor.Conversation{}, errors.Wrap(err, "inserting conversation")
	}
	return c, nil
}

func (repo tutorRepository) UpdateConversation(ctx context.Context, c tutor.Conversation, exec ...core.DBExecutor) (tutor.Conversation, error) {
	q := stmt.Update("tutor_conversations").
		SetMap(map[string]interface{}{
			"subject":    c.Subject,
			"title":      c.Title,
			"updated_at": c.UpdatedAt.UTC(),
		}).
		Where(sq.Eq{"id": c.ID})
	cnt, err := run(ctx, repo.getExec(exec), q)
	if err != nil {
		return tutor.Conversation{}, errors.Wrap(err, "updating conversation")
	}
	if cnt == 0 {
		return tutor.Conversation{}, tutor.ErrNotFound
	}
	return c, nil
}

func (repo tutorRepository) GetConversation(ctx context.Context, id string, exec ...core.DBExecutor) (tutor.Conversation, error) {
	q := stmt.Select(conversationColumns...).From("tutor_conversations").Where(sq.Eq{"id": id}).Limit(1)
	var row conversationRow
	if err := get(ctx, repo.getExec(exec), &row, q); err != nil {
		return tutor.Conversation{}, trapNoRowsErr(err, tutor.ErrNotFound, "finding conversation")
	}
	return row.unmarshal(), nil
}

func (repo tutorRepository) QueryConversations(ctx context.Context, userID string, exec ...core.DBExecutor) ([]tutor.Conversation, error) {
	q := stmt.Select(conversationColumns...).
		From("tutor_conversations").
		Where(sq.Or{sq.Eq{"user_id": userID}, sq.Eq{"student_id": userID}}).
		OrderBy("updated_at DESC", "created_at DESC")

	var rows []conversationRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	convs := make([]tutor.Conversation, 0, len(rows))
	for _, row := range rows {
		convs = append(convs, row.unmarshal())
	}
	return convs, nil
}

func (repo tutorRepository) DeleteConversation(ctx context.Context, id string, exec ...core.DBExecutor) error {
	cnt, err := run(ctx, repo.getExec(exec), stmt.Delete("tutor_conversations").Where(sq.Eq{"id": id}))
	if err != nil {
		return errors.Wrap(err, "deleting conversation")
	}
	if cnt == 0 {
		return tutor.ErrNotFound
	}
	return nil
}

func (repo tutorRepository) CreateMessage(ctx context.Context, m tutor.Message, exec ...core.DBExecutor) (tutor.Message, error) {
	m.ID = uuid.New().String()
	q := stmt.Insert("tutor_messages").
		Columns(messageColumns...).
		Values(m.ID, m.ConversationID, m.Role, m.Content, m.Tokens, m.Credits, m.CreatedAt.UTC())
	if _, err := run(ctx, repo.getExec(exec), q); err != nil {
		return tutor.Message{}, errors.Wrap(err, "inserting message")
	}
	return m, nil
}

func (repo tutorRepository) QueryMessages(ctx context.Context, conversationID string, limit int, exec ...core.DBExecutor) ([]tutor.Message, error) {
	// newest first so that the limit keeps the last messages, reversed below
	q := stmt.Select(messageColumns...).
		From("tutor_messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at DESC", "role")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	var rows []messageRow
	if err := sel(ctx, repo.getExec(exec), &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	msgs := make([]tutor.Message, len(rows))
	for i, row := range rows {
		msgs[len(rows)-1-i] = tutor.Message{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			Role:           row.Role,
			Content:        row.Content,
			Tokens:         row.Tokens,
			Credits:        row.Credits,
			CreatedAt:      row.CreatedAt.UTC(),
		}
	}
	return msgs, nil
}
