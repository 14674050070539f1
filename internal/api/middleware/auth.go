package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/crustclub/crustclub/internal/api/models"
	"github.com/crustclub/crustclub/internal/auth"
)

type subjectKey struct{}

// AdminAuth guards admin endpoints with an HS256 bearer token.
// A nil token service disables the endpoints with 503.
func AdminAuth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokens == nil {
				writeProblem(w, r, models.NewServiceUnavailable(GetRequestID(r.Context()), "admin endpoints are disabled"))
				return
			}

			const bearerPrefix = "Bearer "
			header := r.Header.Get("Authorization")
			if header == "" {
				writeProblem(w, r, models.NewUnauthorized(GetRequestID(r.Context()), "missing authorization header"))
				return
			}
			if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
				writeProblem(w, r, models.NewUnauthorized(GetRequestID(r.Context()), "invalid authorization header format"))
				return
			}

			claims, err := tokens.Validate(header[len(bearerPrefix):])
			if err != nil {
				traceID := GetRequestID(r.Context())
				switch {
				case errors.Is(err, auth.ErrNotAdmin):
					writeProblem(w, r, models.NewForbidden(traceID, "token does not grant admin access"))
				case errors.Is(err, auth.ErrTokenExpired):
					writeProblem(w, r, models.NewUnauthorized(traceID, "token has expired"))
				default:
					writeProblem(w, r, models.NewUnauthorized(traceID, "invalid token"))
				}
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeProblem lives here rather than in response to avoid an import cycle.
func writeProblem(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetSubject returns the authenticated token subject, or "".
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(subjectKey{}).(string); ok {
		return s
	}
	return ""
}
