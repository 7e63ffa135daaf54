package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitions(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	exp := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	ops := map[string]func(e *Entitlement) error{
		"activate": func(e *Entitlement) error { return e.activate(now) },
		"suspend":  func(e *Entitlement) error { return e.suspend(now) },
		"resume":   func(e *Entitlement) error { return e.resume(now) },
		"revoke":   func(e *Entitlement) error { return e.revoke() },
		"expire":   func(e *Entitlement) error { return e.expire(now) },
	}

	tests := []struct {
		from    Status
		exp     *time.Time
		op      string
		want    Status
		wantErr error
	}{
		{from: StatusPending, op: "activate", want: StatusActive},
		{from: StatusPending, op: "revoke", want: StatusRevoked},
		{from: StatusPending, op: "suspend", wantErr: ErrInvalidTransition},
		{from: StatusPending, op: "resume", wantErr: ErrInvalidTransition},
		{from: StatusPending, op: "expire", wantErr: ErrInvalidTransition},
		{from: StatusActive, op: "suspend", want: StatusSuspended},
		{from: StatusActive, op: "revoke", want: StatusRevoked},
		{from: StatusActive, op: "activate", wantErr: ErrInvalidTransition},
		{from: StatusActive, op: "resume", wantErr: ErrInvalidTransition},
		{from: StatusActive, exp: &past, op: "expire", want: StatusExpired},
		{from: StatusActive, exp: &now, op: "expire", want: StatusExpired},
		{from: StatusActive, exp: &exp, op: "expire", wantErr: ErrInvalidTransition},
		{from: StatusActive, op: "expire", wantErr: ErrInvalidTransition},
		{from: StatusSuspended, op: "resume", want: StatusActive},
		{from: StatusSuspended, op: "revoke", want: StatusRevoked},
		{from: StatusSuspended, op: "suspend", wantErr: ErrInvalidTransition},
		{from: StatusSuspended, exp: &past, op: "expire", wantErr: ErrInvalidTransition},
		{from: StatusExpired, op: "activate", wantErr: ErrInvalidTransition},
		{from: StatusExpired, op: "revoke", wantErr: ErrInvalidTransition},
		{from: StatusRevoked, op: "activate", wantErr: ErrInvalidTransition},
		{from: StatusRevoked, op: "resume", wantErr: ErrInvalidTransition},
		{from: StatusRevoked, op: "revoke", wantErr: ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+" "+tt.op, func(t *testing.T) {
			e := &Entitlement{Status: tt.from, ExpiresAt: tt.exp}
			err := ops[tt.op](e)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				assert.Equal(t, tt.from, e.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Status)
		})
	}
}

func TestActivateSetsPeriod(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	e := &Entitlement{Status: StatusPending, DurationDays: 30}
	require.NoError(t, e.activate(now))
	require.NotNil(t, e.StartsAt)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, now, *e.StartsAt)
	assert.Equal(t, now.AddDate(0, 0, 30), *e.ExpiresAt)

	lifetime := &Entitlement{Status: StatusPending}
	require.NoError(t, lifetime.activate(now))
	assert.Nil(t, lifetime.ExpiresAt)
}

func TestSuspensionPausesExpiry(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e := &Entitlement{Status: StatusPending, DurationDays: 10}
	require.NoError(t, e.activate(start))

	require.NoError(t, e.suspend(start.AddDate(0, 0, 2)))
	assert.False(t, e.grantsAccess(start.AddDate(0, 0, 3)))

	require.NoError(t, e.resume(start.AddDate(0, 0, 5)))
	assert.Nil(t, e.SuspendedAt)
	assert.Equal(t, start.AddDate(0, 0, 13), *e.ExpiresAt)
	assert.True(t, e.grantsAccess(start.AddDate(0, 0, 12)))
	assert.False(t, e.grantsAccess(start.AddDate(0, 0, 13)))
}

func TestResolve(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	soon := now.Add(24 * time.Hour)
	later := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)

	ents := []Entitlement{
		{ID: "a", Status: StatusActive, Features: []string{FeatureDiagnostics, FeaturePractice}, ExpiresAt: &soon},
		{ID: "b", Status: StatusActive, Features: []string{FeaturePractice}, ExpiresAt: &later},
		{ID: "c", Status: StatusActive, Features: []string{FeatureDiagnostics}},
		{ID: "d", Status: StatusActive, Features: []string{FeatureAITutor}, ExpiresAt: &past},
		{ID: "e", Status: StatusSuspended, Features: []string{FeatureCoaching}},
		{ID: "f", Status: StatusRevoked, Features: []string{FeatureCoaching}},
	}

	acc := resolve("u1", ents, now)
	assert.Equal(t, "u1", acc.UserID)
	assert.Len(t, acc.Features, 2)

	assert.True(t, acc.Has(FeatureDiagnostics))
	assert.Nil(t, acc.Features[FeatureDiagnostics].ExpiresAt)
	assert.Equal(t, []string{"a", "c"}, acc.Features[FeatureDiagnostics].Sources)

	assert.True(t, acc.Has(FeaturePractice))
	assert.Equal(t, later, *acc.Features[FeaturePractice].ExpiresAt)
	assert.Equal(t, []string{"a", "b"}, acc.Features[FeaturePractice].Sources)

	assert.False(t, acc.Has(FeatureAITutor))
	assert.False(t, acc.Has(FeatureCoaching))

	empty := resolve("u2", nil, now)
	assert.False(t, empty.Has(FeatureDiagnostics))
	assert.NotNil(t, empty.Features)
}

func TestDedupe(t *testing.T) {
	assert.Nil(t, dedupe(nil))
	assert.Equal(t, []string{"ai_tutor", "practice"}, dedupe([]string{" Practice", "ai_tutor", "practice "}))
}
