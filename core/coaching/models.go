package coaching

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

type Status string

const (
	StatusBooked    Status = "booked"
	StatusCanceled  Status = "canceled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

const slotMinutes = 15

var (
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrSlotTaken         = errors.New("the coach or the student already has a session at this time")
	ErrNotStarted        = errors.New("session has not started yet")
)

type Session struct {
	ID              string    `json:"id"`
	StudentID       string    `json:"student_id"`
	CoachID         string    `json:"coach_id"`
	BookedBy        string    `json:"booked_by"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          Status    `json:"status"`
	Credits         int       `json:"credits"`
	Notes           string    `json:"notes"`
	CanceledBy      string    `json:"canceled_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// close ends a booked session with the given status.
func (s *Session) close(to Status, now time.Time) error {
	if s.Status != StatusBooked {
		return ErrInvalidTransition
	}
	if to != StatusCanceled && now.Before(s.StartsAt) {
		return ErrNotStarted
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// Cost returns the credits charged for a session of the given length, rounded up.
func Cost(durationMinutes, creditsPerHour int) int {
	return (durationMinutes*creditsPerHour + 59) / 60
}

type NewSession struct {
	StudentID       string    `json:"student_id" validate:"required"`
	CoachID         string    `json:"coach_id" validate:"required"`
	StartsAt        time.Time `json:"starts_at" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=15,max=180"`
	Notes           string    `json:"notes" validate:"max=2000"`
}

func (ns *NewSession) Validate(validate *validator.Validate) error {
	ns.StudentID = core.CleanString(ns.StudentID)
	ns.CoachID = core.CleanString(ns.CoachID)
	ns.Notes = core.CleanString(ns.Notes)
	ns.StartsAt = ns.StartsAt.UTC().Truncate(time.Second)
	if err := validate.Struct(ns); err != nil {
		return err
	}
	if ns.DurationMinutes%slotMinutes != 0 {
		return core.NewFieldError("duration_minutes", "must be a multiple of 15")
	}
	return nil
}

type SessionNotes struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type QueryFilter struct {
	StudentID string    `query:"student_id"`
	CoachID   string    `query:"coach_id"`
	Status    string    `query:"status" validate:"omitempty,oneof=booked canceled completed no_show"`
	From      time.Time `query:"from"`
	To        time.Time `query:"to"`

	StudentIDs []string `query:"-"` // restricts the results to these students
}

func (f *QueryFilter) Clean() {
	f.StudentID = core.CleanString(f.StudentID)
	f.CoachID = core.CleanString(f.CoachID)
	f.Status = core.CleanString(f.Status, true /* lower */)
}
