package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderTransition(t *testing.T) {
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		from    Status
		to      Status
		wantErr bool
	}{
		{from: StatusPending, to: StatusPaid},
		{from: StatusPending, to: StatusFailed},
		{from: StatusPending, to: StatusCanceled},
		{from: StatusPending, to: StatusRefunded, wantErr: true},
		{from: StatusPaid, to: StatusRefunded},
		{from: StatusPaid, to: StatusCanceled, wantErr: true},
		{from: StatusPaid, to: StatusFailed, wantErr: true},
		{from: StatusPaid, to: StatusPaid, wantErr: true},
		{from: StatusFailed, to: StatusPaid, wantErr: true},
		{from: StatusCanceled, to: StatusPaid, wantErr: true},
		{from: StatusRefunded, to: StatusRefunded, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+" to "+string(tt.to), func(t *testing.T) {
			o := &Order{Status: tt.from}
			err := o.transition(tt.to, now)
			if tt.wantErr {
				assert.Equal(t, ErrInvalidTransition, err)
				assert.Equal(t, tt.from, o.Status)
				assert.Nil(t, o.PaidAt)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.to, o.Status)
			assert.Equal(t, now, o.UpdatedAt)
			if tt.to == StatusPaid {
				assert.Equal(t, now, *o.PaidAt)
			}
		})
	}
}

func TestEventTarget(t *testing.T) {
	for typ, want := range map[string]Status{
		EventSucceeded: StatusPaid,
		EventFailed:    StatusFailed,
		EventRefunded:  StatusRefunded,
	} {
		got, ok := Event{Type: typ}.target()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := Event{Type: "payment.disputed"}.target()
	assert.False(t, ok)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.50 USD", FormatAmount(1250, "USD"))
	assert.Equal(t, "0.05 EUR", FormatAmount(5, "EUR"))
	assert.Equal(t, "-3.00 USD", FormatAmount(-300, "USD"))
}
