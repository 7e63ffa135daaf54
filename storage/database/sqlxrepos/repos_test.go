package sqlxrepos_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutora/tutora/core"
	"github.com/tutora/tutora/core/coaching"
	"github.com/tutora/tutora/core/entitlement"
	"github.com/tutora/tutora/core/payment"
	"github.com/tutora/tutora/core/tutor"
	"github.com/tutora/tutora/core/user"
	"github.com/tutora/tutora/storage/database/sqlxrepos"
	testutil "github.com/tutora/tutora/tests"
)

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	repo := sqlxrepos.NewUserRepository(db)

	parent := testutil.CreateUser(t, repo, "Parent", "parent", "parent@test.cd", "pwd", []string{user.RoleParent}, true)
	kid := testutil.CreateUser(t, repo, "Kid", "kid", "kid@test.cd", "pwd", []string{user.RoleStudent}, true)

	t.Run("uniqueness", func(t *testing.T) {
		assert.Equal(t, user.ErrUsernameExists, repo.CheckUsernameUniqueness(ctx, "parent", "new@test.cd", nil))
		assert.Equal(t, user.ErrEmailExists, repo.CheckUsernameUniqueness(ctx, "new", "kid@test.cd", nil))
		assert.NoError(t, repo.CheckUsernameUniqueness(ctx, "parent", "parent@test.cd", []user.User{parent}))
		assert.NoError(t, repo.CheckUsernameUniqueness(ctx, "new", "new@test.cd", nil))
	})

	t.Run("get", func(t *testing.T) {
		got, err := repo.GetUser(ctx, user.GetFilter{UsernameOrEmail: "kid@test.cd"})
		require.NoError(t, err)
		assert.Equal(t, kid.ID, got.ID)
		assert.Equal(t, []string{user.RoleStudent}, got.Roles)

		_, err = repo.GetUser(ctx, user.GetFilter{ID: "nope"})
		assert.Equal(t, user.ErrNotFound, errors.Cause(err))
	})

	t.Run("guardianship", func(t *testing.T) {
		require.NoError(t, repo.CreateGuardianship(ctx, user.Guardianship{ParentID: parent.ID, StudentID: kid.ID, CreatedAt: time.Now()}))
		ok, err := repo.GuardianshipExists(ctx, parent.ID, kid.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		students, err := repo.QueryStudents(ctx, parent.ID)
		require.NoError(t, err)
		require.Len(t, students, 1)
		assert.Equal(t, kid.ID, students[0].ID)

		n, err := repo.DeleteGuardianship(ctx, parent.ID, kid.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		ok, err = repo.GuardianshipExists(ctx, parent.ID, kid.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEntitlementRepository_credits(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	usr := testutil.CreateUser(t, sqlxrepos.NewUserRepository(db), "Kid", "kid", "kid@test.cd", "pwd", nil, true)
	repo := sqlxrepos.NewEntitlementRepository(db)

	bal, err := repo.GetBalance(ctx, usr.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bal)

	_, err = repo.DeductCredits(ctx, usr.ID, 1)
	assert.Equal(t, entitlement.ErrInsufficientCredits, errors.Cause(err), "no balance yet")

	bal, err = repo.AddCredits(ctx, usr.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, bal)
	bal, err = repo.AddCredits(ctx, usr.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 8, bal)

	bal, err = repo.DeductCredits(ctx, usr.ID, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, bal)
	_, err = repo.DeductCredits(ctx, usr.ID, 1)
	assert.Equal(t, entitlement.ErrInsufficientCredits, errors.Cause(err))

	for i, delta := range []int{5, 3, -8} {
		_, err = repo.CreateLedgerEntry(ctx, entitlement.LedgerEntry{
			UserID:    usr.ID,
			Delta:     delta,
			Reason:    "test",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	ledger, err := repo.QueryLedger(ctx, usr.ID)
	require.NoError(t, err)
	assert.Len(t, ledger, 3)
}

func TestEntitlementRepository_entitlements(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	usr := testutil.CreateUser(t, sqlxrepos.NewUserRepository(db), "Kid", "kid", "kid@test.cd", "pwd", nil, true)
	repo := sqlxrepos.NewEntitlementRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	p, err := repo.CreateProduct(ctx, entitlement.Product{
		Code: "premium", Name: "Premium", Currency: "USD", PriceCents: 2500,
		Features: []string{entitlement.FeatureAITutor}, DurationDays: 30, IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	got, err := repo.GetProduct(ctx, entitlement.ProductFilter{Code: "premium"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, []string{entitlement.FeatureAITutor}, got.Features)

	_, err = repo.GetProduct(ctx, entitlement.ProductFilter{Code: "nope"})
	assert.Equal(t, entitlement.ErrProductNotFound, errors.Cause(err))

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	for _, exp := range []*time.Time{&past, &future, nil} {
		_, err = repo.CreateEntitlement(ctx, entitlement.Entitlement{
			UserID: usr.ID, ProductID: p.ID, ProductCode: p.Code, Features: p.Features,
			Status: entitlement.StatusActive, Source: "grant", StartsAt: &past, ExpiresAt: exp,
			CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
	}

	ents, err := repo.QueryEntitlements(ctx, entitlement.EntitlementFilter{UserID: usr.ID})
	require.NoError(t, err)
	assert.Len(t, ents, 3)

	due, err := repo.QueryEntitlements(ctx, entitlement.EntitlementFilter{
		Statuses:      []entitlement.Status{entitlement.StatusActive},
		ExpiresBefore: &now,
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.NotNil(t, due[0].ExpiresAt)
	assert.True(t, due[0].ExpiresAt.Equal(past))
}

func TestPaymentRepository_RecordEvent(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	repo := sqlxrepos.NewPaymentRepository(db)

	ev := payment.Event{ID: "evt_1", Type: payment.EventSucceeded, GatewayRef: "chk_1", AmountCents: 100, CreatedAt: time.Now()}
	fresh, err := repo.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = repo.RecordEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, fresh, "redelivered event")
}

func TestTutorRepository_QueryMessages(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	usr := testutil.CreateUser(t, sqlxrepos.NewUserRepository(db), "Kid", "kid", "kid@test.cd", "pwd", nil, true)
	repo := sqlxrepos.NewTutorRepository(db)
	now := time.Now().UTC()

	c, err := repo.CreateConversation(ctx, tutor.Conversation{UserID: usr.ID, StudentID: usr.ID, Subject: "math", Title: "Math", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	for i, content := range []string{"q1", "a1", "q2", "a2", "q3"} {
		_, err = repo.CreateMessage(ctx, tutor.Message{
			ConversationID: c.ID,
			Role:           tutor.RoleUser,
			Content:        content,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	contents := func(msgs []tutor.Message) []string {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.Content
		}
		return out
	}

	all, err := repo.QueryMessages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"q1", "a1", "q2", "a2", "q3"}, contents(all))

	last, err := repo.QueryMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "q3"}, contents(last), "the latest messages, oldest first")

	require.NoError(t, repo.DeleteConversation(ctx, c.ID))
	assert.Equal(t, tutor.ErrNotFound, repo.DeleteConversation(ctx, c.ID))
}

func TestCoachingRepository_HasOverlap(t *testing.T) {
	ctx := context.Background()
	db := testutil.PrepareDB(t, core.NewTestConfig())
	usrRepo := sqlxrepos.NewUserRepository(db)
	coach := testutil.CreateUser(t, usrRepo, "Coach", "coach", "coach@test.cd", "pwd", []string{user.RoleCoach}, true)
	kid := testutil.CreateUser(t, usrRepo, "Kid", "kid", "kid@test.cd", "pwd", []string{user.RoleStudent}, true)
	other := testutil.CreateUser(t, usrRepo, "Other", "other", "other@test.cd", "pwd", []string{user.RoleStudent}, true)
	repo := sqlxrepos.NewCoachingRepository(db)

	start := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	s, err := repo.CreateSession(ctx, coaching.Session{
		StudentID: kid.ID, CoachID: coach.ID, BookedBy: kid.ID,
		StartsAt: start, EndsAt: end, DurationMinutes: 60, Status: coaching.StatusBooked,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	tests := []struct {
		name       string
		coachID    string
		studentID  string
		start, end time.Time
		want       bool
	}{
		{name: "same coach, overlapping", coachID: coach.ID, studentID: other.ID, start: start.Add(30 * time.Minute), end: end.Add(30 * time.Minute), want: true},
		{name: "same student, inside", coachID: "x", studentID: kid.ID, start: start.Add(15 * time.Minute), end: start.Add(30 * time.Minute), want: true},
		{name: "back to back", coachID: coach.ID, studentID: kid.ID, start: end, end: end.Add(time.Hour)},
		{name: "other people", coachID: "x", studentID: other.ID, start: start, end: end},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.HasOverlap(ctx, tt.coachID, tt.studentID, tt.start, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("canceled sessions free the slot", func(t *testing.T) {
		s.Status = coaching.StatusCanceled
		_, err := repo.UpdateSession(ctx, s)
		require.NoError(t, err)
		got, err := repo.HasOverlap(ctx, coach.ID, kid.ID, start, end)
		require.NoError(t, err)
		assert.False(t, got)
	})
}
