package user

import (
	"testing"
	"time"

	"github.com/tutora/tutora/core"
)

func TestMakeVerifyToken(t *testing.T) {
	conf := core.NewTestConfig()
	conf.PasswordResetTimeoutDelta = 3 * 24 * time.Hour
	gen := NewTokenGenerator(conf)

	now := time.Now()
	usr := User{
		ID:        "4b8b7f0e-8f4a-4c39-9d1e-5d2f7f3b1a01",
		Name:      "T",
		Username:  "t",
		Email:     "t@test.test",
		CreatedAt: now,
		UpdatedAt: now,
		LastLogin: now,
	}
	usr.SetActive(true)
	_ = usr.SetPassword("pwd")

	validToken := gen.MakeToken(usr)

	// generate an expired token
	dayLate := conf.PasswordResetTimeoutDelta + (24 * time.Hour)
	gen.Now = func() time.Time { return time.Now().Add(-dayLate) }
	expiredToken := gen.MakeToken(usr)
	gen.Now = time.Now // reset

	// a new login invalidates previous tokens
	loggedIn := usr
	loggedIn.LastLogin = now.Add(time.Minute)

	// so does a password change
	newPwd := usr
	_ = newPwd.SetPassword("new-pwd")

	tests := []struct {
		name    string
		usr     User
		token   string
		wantErr error
	}{
		{name: "no token", usr: usr, wantErr: errInvalidToken},
		{name: "invalid parts len", usr: usr, token: "lmaooolol", wantErr: errInvalidToken},
		{name: "invalid base32", usr: usr, token: "hahaha-sigsig-sig", wantErr: errInvalidToken},
		{name: "invalid timestamp", usr: usr, token: "NRXWY-sigsig-sig", wantErr: errInvalidToken},
		{name: "invalid token", usr: usr, token: "HE4TS-sigsig-sig", wantErr: errInvalidToken},
		{name: "expired token", usr: usr, token: expiredToken, wantErr: errTokenExpired},
		{name: "after login", usr: loggedIn, token: validToken, wantErr: errInvalidToken},
		{name: "after password change", usr: newPwd, token: validToken, wantErr: errInvalidToken},
		{name: "valid token", usr: usr, token: validToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := gen.VerifyToken(tt.usr, tt.token); err != tt.wantErr {
				t.Errorf("VerifyToken() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyTokenUsesGeneratorClock(t *testing.T) {
	conf := core.NewTestConfig()
	conf.PasswordResetTimeoutDelta = 3 * 24 * time.Hour
	gen := NewTokenGenerator(conf)

	usr := User{ID: "4b8b7f0e-8f4a-4c39-9d1e-5d2f7f3b1a01"}
	_ = usr.SetPassword("pwd")

	issued := time.Date(2030, time.March, 10, 12, 0, 0, 0, time.UTC)
	gen.Now = func() time.Time { return issued }
	token := gen.MakeToken(usr)

	gen.Now = func() time.Time { return issued.Add(2 * 24 * time.Hour) }
	if err := gen.VerifyToken(usr, token); err != nil {
		t.Errorf("VerifyToken() within timeout error = %v", err)
	}

	gen.Now = func() time.Time { return issued.Add(5 * 24 * time.Hour) }
	if err := gen.VerifyToken(usr, token); err != errTokenExpired {
		t.Errorf("VerifyToken() after timeout error = %v, wantErr %v", err, errTokenExpired)
	}
}

func TestEncodeDecodeUID(t *testing.T) {
	usr := User{ID: "4b8b7f0e-8f4a-4c39-9d1e-5d2f7f3b1a01"}
	id, err := decodeUID(EncodeUID(usr))
	if err != nil {
		t.Fatalf("decodeUID() error = %v", err)
	}
	if id != usr.ID {
		t.Errorf("decodeUID() = %v, want %v", id, usr.ID)
	}
}
