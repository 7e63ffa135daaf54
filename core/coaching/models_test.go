package coaching

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	tests := []struct {
		minutes, perHour, want int
	}{
		{minutes: 60, perHour: 10, want: 10},
		{minutes: 30, perHour: 10, want: 5},
		{minutes: 45, perHour: 10, want: 8},
		{minutes: 15, perHour: 1, want: 1},
		{minutes: 90, perHour: 0, want: 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Cost(tt.minutes, tt.perHour), "Cost(%d, %d)", tt.minutes, tt.perHour)
	}
}

func TestSessionClose(t *testing.T) {
	start := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	before := start.Add(-time.Hour)
	after := start.Add(time.Hour)

	tests := []struct {
		name    string
		from    Status
		to      Status
		now     time.Time
		wantErr error
	}{
		{name: "cancel before start", from: StatusBooked, to: StatusCanceled, now: before},
		{name: "cancel after start", from: StatusBooked, to: StatusCanceled, now: after},
		{name: "complete", from: StatusBooked, to: StatusCompleted, now: after},
		{name: "complete at start", from: StatusBooked, to: StatusCompleted, now: start},
		{name: "complete early", from: StatusBooked, to: StatusCompleted, now: before, wantErr: ErrNotStarted},
		{name: "no show early", from: StatusBooked, to: StatusNoShow, now: before, wantErr: ErrNotStarted},
		{name: "no show", from: StatusBooked, to: StatusNoShow, now: after},
		{name: "cancel canceled", from: StatusCanceled, to: StatusCanceled, now: before, wantErr: ErrInvalidTransition},
		{name: "complete canceled", from: StatusCanceled, to: StatusCompleted, now: after, wantErr: ErrInvalidTransition},
		{name: "cancel completed", from: StatusCompleted, to: StatusCanceled, now: after, wantErr: ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Status: tt.from, StartsAt: start}
			err := s.close(tt.to, tt.now)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				assert.Equal(t, tt.from, s.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, s.Status)
		})
	}
}

func TestNewSessionValidate(t *testing.T) {
	validate := validator.New()
	start := time.Now().Add(48 * time.Hour)

	tests := []struct {
		name    string
		ns      NewSession
		wantErr bool
	}{
		{name: "valid", ns: NewSession{StudentID: "s", CoachID: "c", StartsAt: start, DurationMinutes: 45}},
		{name: "too short", ns: NewSession{StudentID: "s", CoachID: "c", StartsAt: start, DurationMinutes: 10}, wantErr: true},
		{name: "too long", ns: NewSession{StudentID: "s", CoachID: "c", StartsAt: start, DurationMinutes: 195}, wantErr: true},
		{name: "not a multiple of 15", ns: NewSession{StudentID: "s", CoachID: "c", StartsAt: start, DurationMinutes: 50}, wantErr: true},
		{name: "no start", ns: NewSession{StudentID: "s", CoachID: "c", DurationMinutes: 60}, wantErr: true},
		{name: "no coach", ns: NewSession{StudentID: "s", StartsAt: start, DurationMinutes: 60}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ns.Validate(validate)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
