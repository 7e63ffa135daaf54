package tutor

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/user"
)

const refConversation = "tutor_conversation"

type (
	Repository interface {
		CreateConversation(ctx context.Context, c Conversation, exec ...core.DBExecutor) (Conversation, error)
		UpdateConversation(ctx context.Context, c Conversation, exec ...core.DBExecutor) (Conversation, error)
		GetConversation(ctx context.Context, id string, exec ...core.DBExecutor) (Conversation, error)
		// QueryConversations returns the conversations started by or for the user, the most recent first.
		QueryConversations(ctx context.Context, userID string, exec ...core.DBExecutor) ([]Conversation, error)
		DeleteConversation(ctx context.Context, id string, exec ...core.DBExecutor) error

		CreateMessage(ctx context.Context, m Message, exec ...core.DBExecutor) (Message, error)
		// QueryMessages returns the last `limit` messages of the conversation in chronological order; limit <= 0 returns all.
		QueryMessages(ctx context.Context, conversationID string, limit int, exec ...core.DBExecutor) ([]Message, error)
	}

	// FocusAreaSource provides the domains a student should work on.
	FocusAreaSource interface {
		LatestFocusAreas(ctx context.Context, studentID string) ([]string, error)
	}

	Service interface {
		StartConversation(ctx context.Context, actor user.User, nc NewConversation) (Conversation, error)
		Conversations(ctx context.Context, actor user.User) ([]Conversation, error)
		GetConversation(ctx context.Context, actor user.User, id string) (Conversation, error)
		Messages(ctx context.Context, actor user.User, conversationID string) ([]Message, error)
		// Ask charges the student for a question and returns it with the assistant's answer.
		Ask(ctx context.Context, actor user.User, conversationID string, nm NewMessage) ([]Message, error)
		DeleteConversation(ctx context.Context, actor user.User, id string) error
	}

	service struct {
		db             core.DB
		repo           Repository
		assistant      Assistant
		userSvc        user.Service
		entitlementSvc entitlement.Service
		focusAreas     FocusAreaSource
		conf           *core.Config
	}
)

var _ Service = (*service)(nil)

func NewService(
	db core.DB,
	repo Repository,
	assistant Assistant,
	userSvc user.Service,
	entitlementSvc entitlement.Service,
	focusAreas FocusAreaSource,
	conf *core.Config,
) Service {
	return &service{
		db:             db,
		repo:           repo,
		assistant:      assistant,
		userSvc:        userSvc,
		entitlementSvc: entitlementSvc,
		focusAreas:     focusAreas,
		conf:           conf,
	}
}

func (svc *service) StartConversation(ctx context.Context, actor user.User, nc NewConversation) (Conversation, error) {
	ok, err := svc.userSvc.CanActFor(ctx, actor, nc.StudentID)
	if err != nil {
		return Conversation{}, errors.Wrap(err, "checking guardianship")
	}
	if !ok {
		return Conversation{}, core.ErrForbidden
	}
	if nc.Title == "" {
		nc.Title = capitalize(nc.Subject)
	}
	now := time.Now().UTC()
	return svc.repo.CreateConversation(ctx, Conversation{
		UserID:    actor.ID,
		StudentID: nc.StudentID,
		Subject:   nc.Subject,
		Title:     nc.Title,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func (svc *service) Conversations(ctx context.Context, actor user.User) ([]Conversation, error) {
	return svc.repo.QueryConversations(ctx, actor.ID)
}

func canRead(actor user.User, c Conversation) bool {
	return c.UserID == actor.ID || c.StudentID == actor.ID || actor.IsAdmin()
}

func (svc *service) GetConversation(ctx context.Context, actor user.User, id string) (Conversation, error) {
	c, err := svc.repo.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if !canRead(actor, c) {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (svc *service) Messages(ctx context.Context, actor user.User, conversationID string) ([]Message, error) {
	c, err := svc.GetConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	return svc.repo.QueryMessages(ctx, c.ID, 0)
}

func (svc *service) Ask(ctx context.Context, actor user.User, conversationID string, nm NewMessage) ([]Message, error) {
	c, err := svc.GetConversation(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	if c.UserID != actor.ID && c.StudentID != actor.ID {
		return nil, core.ErrForbidden
	}
	if err = svc.entitlementSvc.Require(ctx, c.StudentID, entitlement.FeatureAITutor); err != nil {
		return nil, err
	}

	history, err := svc.repo.QueryMessages(ctx, c.ID, svc.conf.Tutor.HistoryWindow)
	if err != nil {
		return nil, errors.Wrap(err, "querying history")
	}
	system, err := svc.systemPrompt(ctx, c)
	if err != nil {
		return nil, err
	}

	cost := svc.conf.Tutor.CreditsPerMessage
	ref := entitlement.Ref{Type: refConversation, ID: c.ID}
	if cost > 0 {
		if _, err = svc.entitlementSvc.ConsumeCredits(ctx, c.StudentID, cost, "tutor question", ref); err != nil {
			return nil, err
		}
	}

	replyCtx := ctx
	if svc.conf.Tutor.Timeout > 0 {
		var cancel context.CancelFunc
		replyCtx, cancel = context.WithTimeout(ctx, svc.conf.Tutor.Timeout)
		defer cancel()
	}
	reply, err := svc.assistant.Reply(replyCtx, Prompt{System: system, History: history, Question: nm.Content})
	if err == nil && strings.TrimSpace(reply.Text) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		if rerr := svc.refund(ctx, c.StudentID, cost, ref); rerr != nil {
			return nil, rerr
		}
		return nil, errors.Wrap(ErrAssistantUnavailable, err.Error())
	}

	var msgs []Message
	err = core.RunInTx(ctx, svc.db, func(exec core.DBExecutor) error {
		now := time.Now().UTC()
		q, err := svc.repo.CreateMessage(ctx, Message{
			ConversationID: c.ID,
			Role:           RoleUser,
			Content:        nm.Content,
			Credits:        cost,
			CreatedAt:      now,
		}, exec)
		if err != nil {
			return errors.Wrap(err, "creating question")
		}
		a, err := svc.repo.CreateMessage(ctx, Message{
			ConversationID: c.ID,
			Role:           RoleAssistant,
			Content:        strings.TrimSpace(reply.Text),
			Tokens:         reply.Tokens,
			CreatedAt:      now.Add(time.Microsecond),
		}, exec)
		if err != nil {
			return errors.Wrap(err, "creating answer")
		}
		c.UpdatedAt = now
		if _, err = svc.repo.UpdateConversation(ctx, c, exec); err != nil {
			return errors.Wrap(err, "updating conversation")
		}
		msgs = []Message{q, a}
		return nil
	})
	if err != nil {
		// the question is only paid for once both messages are stored
		if rerr := svc.refund(ctx, c.StudentID, cost, ref); rerr != nil {
			return nil, errors.Wrapf(rerr, "storing messages: %v", err)
		}
		return nil, err
	}
	return msgs, nil
}

func (svc *service) refund(ctx context.Context, studentID string, cost int, ref entitlement.Ref) error {
	if cost <= 0 {
		return nil
	}
	if _, err := svc.entitlementSvc.GrantCredits(ctx, studentID, cost, "tutor question refund", ref); err != nil {
		return errors.Wrap(err, "refunding credits")
	}
	return nil
}

func (svc *service) systemPrompt(ctx context.Context, c Conversation) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a patient %s tutor for a school student. ", c.Subject)
	b.WriteString("Explain concepts step by step, ask guiding questions and check understanding. ")
	b.WriteString("Do not simply hand out final answers to homework or assessment questions.")

	if svc.focusAreas == nil {
		return b.String(), nil
	}
	areas, err := svc.focusAreas.LatestFocusAreas(ctx, c.StudentID)
	if err != nil {
		return "", errors.Wrap(err, "getting focus areas")
	}
	if len(areas) > 0 {
		fmt.Fprintf(&b, "\nThe student's latest diagnostic shows they need support in: %s. "+
			"Relate your explanations to these areas when relevant.", strings.Join(areas, ", "))
	}
	return b.String(), nil
}

func (svc *service) DeleteConversation(ctx context.Context, actor user.User, id string) error {
	c, err := svc.GetConversation(ctx, actor, id)
	if err != nil {
		return err
	}
	if c.UserID != actor.ID && !actor.IsAdmin() {
		return core.ErrForbidden
	}
	return svc.repo.DeleteConversation(ctx, c.ID)
}
