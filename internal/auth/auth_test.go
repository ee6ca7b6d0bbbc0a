package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const secret = "test-secret"

var ana = Identity{UserID: "u1", Username: "ana", AvatarURL: "https://img/ana.png"}

func TestVerify_RoundTrip(t *testing.T) {
	tok, err := Sign(secret, "", ana, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := NewVerifier(secret, "").Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != ana {
		t.Fatalf("got %+v; want %+v", got, ana)
	}
}

func TestVerify_Rejections(t *testing.T) {
	good, _ := Sign(secret, "idp", ana, time.Minute)
	expired, _ := Sign(secret, "idp", ana, -time.Hour)
	otherKey, _ := Sign("nope", "idp", ana, time.Minute)
	noName, _ := Sign(secret, "idp", Identity{UserID: "u1"}, time.Minute)
	noSub, _ := Sign(secret, "idp", Identity{Username: "ana"}, time.Minute)
	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "idp", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		Username:         "ana",
	}).SignedString([]byte(secret))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", Issuer: "idp"},
		Username:         "ana",
	}).SignedString([]byte(secret))

	v := NewVerifier(secret, "idp")
	if _, err := v.Verify(good); err != nil {
		t.Fatalf("good token rejected: %v", err)
	}

	cases := []struct {
		name string
		tok  string
		want error
	}{
		{"empty", "  ", ErrMissingToken},
		{"garbage", "abc.def.ghi", ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"wrong key", otherKey, ErrInvalidToken},
		{"no username", noName, ErrInvalidToken},
		{"no subject", noSub, ErrInvalidToken},
		{"other alg", hs512, ErrInvalidToken},
		{"no exp", noExp, ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := v.Verify(tc.tok); !errors.Is(err, tc.want) {
				t.Fatalf("got %v; want %v", err, tc.want)
			}
		})
	}
}

func TestVerify_Issuer(t *testing.T) {
	tok, _ := Sign(secret, "someone-else", ana, time.Minute)
	if _, err := NewVerifier(secret, "idp").Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong issuer accepted: %v", err)
	}
	if _, err := NewVerifier(secret, "").Verify(tok); err != nil {
		t.Fatalf("issuer should not be checked when unset: %v", err)
	}
}

func TestIdentity_Author(t *testing.T) {
	a := ana.Author()
	if a.UserID != "u1" || a.DisplayName != "ana" || a.AvatarRef == nil || *a.AvatarRef != ana.AvatarURL {
		t.Fatalf("unexpected author %+v", a)
	}
	if (Identity{UserID: "u2", Username: "bo"}).Author().AvatarRef != nil {
		t.Fatalf("empty avatar should stay nil")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat/miami?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("query token: %q", got)
	}
	r.Header.Set("Authorization", "bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("header should win: %q", got)
	}
	r.Header.Set("Authorization", "Basic xyz")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("non-bearer scheme: %q", got)
	}
}
