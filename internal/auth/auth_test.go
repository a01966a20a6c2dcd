package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/golang-jwt/jwt"
)

func TestVerifyRoundTrip(t *testing.T) {
	a := New("secret", "chat-auth")
	raw, err := a.Sign(Identity{UserID: "u1", DisplayName: "Ann", Privileged: true},
		jwt.StandardClaims{ExpiresAt: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}
	id, err := a.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.DisplayName != "Ann" || !id.Privileged {
		t.Errorf("identity = %+v", id)
	}
}

func TestVerifyRejects(t *testing.T) {
	a := New("secret", "chat-auth")
	other := New("other-secret", "chat-auth")
	wrongIssuer := New("secret", "someone-else")

	sign := func(a *Authenticator, id Identity, c jwt.StandardClaims) string {
		raw, err := a.Sign(id, c)
		if err != nil {
			t.Fatal(err)
		}
		return raw
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{StandardClaims: jwt.StandardClaims{Subject: "u1", Issuer: "chat-auth"}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", sign(other, Identity{UserID: "u1"}, jwt.StandardClaims{})},
		{"expired", sign(a, Identity{UserID: "u1"}, jwt.StandardClaims{ExpiresAt: time.Now().Add(-time.Minute).Unix()})},
		{"no subject", sign(a, Identity{}, jwt.StandardClaims{})},
		{"wrong issuer", sign(wrongIssuer, Identity{UserID: "u1"}, jwt.StandardClaims{})},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.raw)
			if !errs.Is(err, errs.Unauthenticated) {
				t.Errorf("Verify() err = %v, want unauthenticated", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Errorf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := TokenFromRequest(r); got != "h" {
		t.Errorf("header token = %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	a := New("secret", "")
	var seen Identity
	h := a.Middleware(func(w http.ResponseWriter, err error) {
		http.Error(w, err.Error(), errs.HTTPStatus(err))
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: code = %d", rec.Code)
	}

	raw, _ := a.Sign(Identity{UserID: "u2"}, jwt.StandardClaims{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen.UserID != "u2" {
		t.Errorf("code = %d, identity = %+v", rec.Code, seen)
	}
}
