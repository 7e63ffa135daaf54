// Package signing produces and verifies HMAC-SHA256 signed tokens.
//
// A token carries its value and the time it was signed, so that verification can enforce a max age:
//
//	base64url(value) "." base32(unix ts) "." base64url(mac)
//
// Webhook payloads are signed separately, with a header of the form `t=<unix>,v1=<hex mac>`.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// tokens signed slightly in the future are tolerated to absorb clock drift between nodes
const maxClockSkew = time.Minute

var (
	ErrMalformed    = errors.New("malformed token")
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("token expired")

	b32 = base32.StdEncoding.WithPadding(base32.NoPadding)
	b64 = base64.RawURLEncoding
)

type Signer struct {
	key []byte
	Now func() time.Time // mockable
}

// New returns a Signer keyed with SHA-256(salt || secret).
// Different salts give independent keys for the same secret.
func New(secret, salt string) *Signer {
	key := sha256.Sum256(append([]byte(salt), secret...))
	return &Signer{key: key[:], Now: time.Now}
}

// HMAC returns the raw HMAC-SHA256 of data.
func (s *Signer) HMAC(data []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	_, _ = h.Write(data) // never fails
	return h.Sum(nil)
}

// Sign returns a token holding value and the current time.
func (s *Signer) Sign(value string) string {
	ts := strconv.FormatInt(s.Now().Unix(), 10)
	payload := b64.EncodeToString([]byte(value)) + "." + b32.EncodeToString([]byte(ts))
	return payload + "." + b64.EncodeToString(s.HMAC([]byte(payload)))
}

// Verify checks the token's signature and age, and returns the value it holds.
// A maxAge <= 0 disables the expiry check.
func (s *Signer) Verify(token string, maxAge time.Duration) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrMalformed
	}

	value, err := b64.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformed
	}
	tsBytes, err := b32.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	ts, err := strconv.ParseInt(string(tsBytes), 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}

	if !hmac.Equal(sig, s.HMAC([]byte(parts[0]+"."+parts[1]))) {
		return "", ErrBadSignature
	}

	now := s.Now()
	signedAt := time.Unix(ts, 0)
	if signedAt.After(now.Add(maxClockSkew)) {
		return "", ErrBadSignature
	}
	if maxAge > 0 && now.Sub(signedAt) > maxAge {
		return "", ErrExpired
	}
	return string(value), nil
}

// SignPayload returns the signature header of payload signed at ts.
func (s *Signer) SignPayload(payload []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + hex.EncodeToString(s.payloadMAC(t, payload))
}

// VerifyPayload checks a signature header produced by SignPayload.
// Several v1 signatures may be given (eg. during a secret rotation); one match is enough.
// A tolerance <= 0 disables the timestamp check.
func (s *Signer) VerifyPayload(payload []byte, header string, tolerance time.Duration) error {
	var (
		t    string
		sigs [][]byte
	)
	for _, pair := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			t = kv[1]
		case "v1":
			if sig, err := hex.DecodeString(kv[1]); err == nil {
				sigs = append(sigs, sig)
			}
		}
	}

	ts, err := strconv.ParseInt(t, 10, 64)
	if err != nil || len(sigs) == 0 {
		return ErrMalformed
	}

	expected := s.payloadMAC(t, payload)
	var match bool
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			match = true
			break
		}
	}
	if !match {
		return ErrBadSignature
	}

	if tolerance > 0 {
		age := s.Now().Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrExpired
		}
	}
	return nil
}

func (s *Signer) payloadMAC(t string, payload []byte) []byte {
	data := make([]byte, 0, len(t)+1+len(payload))
	data = append(data, t...)
	data = append(data, '.')
	data = append(data, payload...)
	return s.HMAC(data)
}
