package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(now time.Time) *Signer {
	s := New("secret", "tutora.test")
	s.Now = func() time.Time { return now }
	return s
}

func TestSigner_SignVerify(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(now)

	valid := signer.Sign("attempt:42")

	old := newTestSigner(now.Add(-2 * time.Hour)).Sign("attempt:42")
	future := newTestSigner(now.Add(10 * time.Minute)).Sign("attempt:42")
	skewed := newTestSigner(now.Add(30 * time.Second)).Sign("attempt:42")
	otherSalt := New("secret", "other").Sign("attempt:42")

	parts := strings.Split(valid, ".")
	tampered := b64.EncodeToString([]byte("attempt:43")) + "." + parts[1] + "." + parts[2]

	tests := []struct {
		name      string
		token     string
		maxAge    time.Duration
		wantValue string
		wantErr   error
	}{
		{name: "empty", token: "", wantErr: ErrMalformed},
		{name: "two parts", token: "abc.def", wantErr: ErrMalformed},
		{name: "bad value encoding", token: "!!." + parts[1] + "." + parts[2], wantErr: ErrMalformed},
		{name: "bad timestamp encoding", token: parts[0] + ".1." + parts[2], wantErr: ErrMalformed},
		{name: "non numeric timestamp", token: parts[0] + "." + b32.EncodeToString([]byte("lol")) + "." + parts[2], wantErr: ErrMalformed},
		{name: "bad signature encoding", token: parts[0] + "." + parts[1] + ".!!", wantErr: ErrMalformed},
		{name: "tampered value", token: tampered, wantErr: ErrBadSignature},
		{name: "other key", token: otherSalt, wantErr: ErrBadSignature},
		{name: "from the future", token: future, wantErr: ErrBadSignature},
		{name: "within clock skew", token: skewed, maxAge: time.Hour, wantValue: "attempt:42"},
		{name: "expired", token: old, maxAge: time.Hour, wantErr: ErrExpired},
		{name: "no max age", token: old, wantValue: "attempt:42"},
		{name: "valid", token: valid, maxAge: time.Hour, wantValue: "attempt:42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := signer.Verify(tt.token, tt.maxAge)
			if tt.wantErr != nil {
				assert.Equal(t, tt.wantErr, err)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantValue, got)
		})
	}
}

func TestSigner_HMAC(t *testing.T) {
	s1 := New("secret", "a")
	s2 := New("secret", "b")

	assert.Len(t, s1.HMAC([]byte("data")), 32)
	assert.Equal(t, s1.HMAC([]byte("data")), New("secret", "a").HMAC([]byte("data")))
	assert.NotEqual(t, s1.HMAC([]byte("data")), s2.HMAC([]byte("data")))
}

func TestSigner_VerifyPayload(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := newTestSigner(now)
	payload := []byte(`{"id":"evt_1","type":"payment.succeeded"}`)

	valid := signer.SignPayload(payload, now)
	stale := signer.SignPayload(payload, now.Add(-10*time.Minute))
	rotated := New("old-secret", "tutora.test").SignPayload(payload, now) + "," + strings.Split(valid, ",")[1]

	tests := []struct {
		name      string
		payload   []byte
		header    string
		tolerance time.Duration
		wantErr   error
	}{
		{name: "empty header", payload: payload, header: "", wantErr: ErrMalformed},
		{name: "no timestamp", payload: payload, header: strings.Split(valid, ",")[1], wantErr: ErrMalformed},
		{name: "no signature", payload: payload, header: strings.Split(valid, ",")[0], wantErr: ErrMalformed},
		{name: "bad timestamp", payload: payload, header: "t=lol,v1=abcd", wantErr: ErrMalformed},
		{name: "tampered payload", payload: []byte(`{"id":"evt_2"}`), header: valid, wantErr: ErrBadSignature},
		{name: "stale", payload: payload, header: stale, tolerance: 5 * time.Minute, wantErr: ErrExpired},
		{name: "stale without tolerance", payload: payload, header: stale},
		{name: "one of several signatures", payload: payload, header: rotated, tolerance: 5 * time.Minute},
		{name: "valid", payload: payload, header: valid, tolerance: 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, signer.VerifyPayload(tt.payload, tt.header, tt.tolerance))
		})
	}
}
