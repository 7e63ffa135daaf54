package tutor

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

// Roles of a message's author
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const MaxContentLength = 4000

var (
	ErrNotFound             = errors.New("conversation not found")
	ErrAssistantUnavailable = errors.New("the tutor is unavailable, please try again later")
)

type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	StudentID string    `json:"student_id"`
	Subject   string    `json:"subject"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Tokens         int       `json:"tokens"`
	Credits        int       `json:"credits"`
	CreatedAt      time.Time `json:"created_at"`
}

// Prompt is what an Assistant answers to: a system instruction, the prior messages of the conversation and a question.
type Prompt struct {
	System   string
	History  []Message
	Question string
}

type Reply struct {
	Text   string
	Tokens int
}

// Assistant is a language model answering students' questions.
type Assistant interface {
	Reply(ctx context.Context, p Prompt) (Reply, error)
}

type NewConversation struct {
	StudentID string `json:"student_id" validate:"required"`
	Subject   string `json:"subject" validate:"required,max=100"`
	Title     string `json:"title" validate:"max=200"`
}

func (nc *NewConversation) Validate(validate *validator.Validate) error {
	nc.StudentID = core.CleanString(nc.StudentID)
	nc.Subject = core.CleanString(nc.Subject, true /* lower */)
	nc.Title = core.CleanString(nc.Title)
	return validate.Struct(nc)
}

type NewMessage struct {
	Content string `json:"content" validate:"required,max=4000"`
}

func (nm *NewMessage) Validate(validate *validator.Validate) error {
	nm.Content = core.CleanString(nm.Content)
	return validate.Struct(nm)
}
