package middleware

import (
	"context"
	"net/http"
	"strings"

	"collab-server/core"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type contextKey string

const ParticipantContextKey = contextKey("participant")

// Authenticator resolves a bearer token to a participant.
type Authenticator interface {
	Authenticate(token string) (core.Participant, error)
}

func AuthJWT(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
				return
			}

			participant, err := authenticator.Authenticate(parts[1])
			if err != nil {
				logrus.WithError(err).Debug("Rejected bearer token")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			ctx := context.WithValue(r.Context(), ParticipantContextKey, participant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParticipantFromContext returns the participant stored by AuthJWT.
func ParticipantFromContext(ctx context.Context) (core.Participant, bool) {
	p, ok := ctx.Value(ParticipantContextKey).(core.Participant)
	return p, ok
}

// WithParticipant returns a copy of ctx carrying p.
func WithParticipant(ctx context.Context, p core.Participant) context.Context {
	return context.WithValue(ctx, ParticipantContextKey, p)
}
