/*
actor.go - Actor identity resolution

PURPOSE:
  Every mutating endpoint needs a stable actor id for the audit trail.
  When a signing secret is configured, the actor is the subject claim of an
  HMAC-verified Bearer token. Without a secret (dev mode) the X-Actor-Id
  header is trusted instead. Requests with no resolvable actor get 401.

  Session management, token issuance, and authorization live outside this
  service; only identity resolution happens here.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingActor = errors.New("no actor identity on request")
	errInvalidToken = errors.New("invalid bearer token")
)

type actorKey struct{}

// ActorFromContext returns the actor id resolved by ActorMiddleware.
func ActorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// ActorMiddleware resolves the acting user and stores it in the request
// context. secret may be empty for header-based dev mode.
func ActorMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := resolveActor(r, secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "could not resolve actor identity", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
		})
	}
}

func resolveActor(r *http.Request, secret []byte) (string, error) {
	if len(secret) == 0 {
		if actor := r.Header.Get("X-Actor-Id"); actor != "" {
			return actor, nil
		}
		return "", errMissingActor
	}

	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" {
		return "", errMissingActor
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errInvalidToken
	}
	return sub, nil
}
