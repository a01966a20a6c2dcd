// Package auth verifies the bearer tokens issued by the external auth
// service and carries the resulting identity through request contexts.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Shasikumar10/Chat-App/internal/errs"
	"github.com/golang-jwt/jwt"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID      string
	DisplayName string
	Privileged  bool
}

// Claims is the token body. Subject holds the user id.
type Claims struct {
	jwt.StandardClaims
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// Authenticator validates HS256 tokens against a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
}

// New returns an authenticator. An empty issuer accepts any issuer.
func New(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a raw token.
func (a *Authenticator) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, errs.E(errs.Unauthenticated, "missing token")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return Identity{}, errs.Wrap(errs.Unauthenticated, err, "invalid token")
	}
	if !token.Valid {
		return Identity{}, errs.E(errs.Unauthenticated, "invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errs.E(errs.Unauthenticated, "token has no subject")
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return Identity{}, errs.E(errs.Unauthenticated, "unexpected issuer %q", claims.Issuer)
	}
	return Identity{UserID: claims.Subject, DisplayName: claims.Name, Privileged: claims.Admin}, nil
}

// Sign issues a token for id. Used by chatctl and tests.
func (a *Authenticator) Sign(id Identity, claims jwt.StandardClaims) (string, error) {
	claims.Subject = id.UserID
	if claims.Issuer == "" {
		claims.Issuer = a.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		StandardClaims: claims,
		Name:           id.DisplayName,
		Admin:          id.Privileged,
	})
	return token.SignedString(a.secret)
}

// TokenFromRequest reads a bearer token from the Authorization header or the
// token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return r.URL.Query().Get("token")
}

type contextKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid token. onError writes the
// rejection so the API keeps one error format.
func (a *Authenticator) Middleware(onError func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Verify(TokenFromRequest(r))
			if err != nil {
				onError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
