package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	applog "fintrack/internal/log"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	EmailKey  contextKey = "email"
)

// UserID returns the authenticated user stored by RequireAuth, or "".
func UserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}

// RequireAuth rejects requests without a valid bearer token and stores the user ID and
// email in the request context.
func RequireAuth(m *JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := BearerToken(r)
			if err == nil {
				var claims *Claims
				if claims, err = m.Validate(tokenString); err == nil {
					ctx := WithUserID(r.Context(), claims.UserID)
					ctx = context.WithValue(ctx, EmailKey, claims.Email)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			applog.FromContext(r.Context()).WithComponent(applog.ComponentAuth).WarnContext(r.Context(),
				"Rejected unauthenticated request",
				applog.FieldPath, r.URL.Path,
				applog.FieldError, err)

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fintrack"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": unauthorizedMessage(err)})
		})
	}
}

func unauthorizedMessage(err error) string {
	if errors.Is(err, ErrMissingToken) {
		return ErrMissingToken.Error()
	}
	return ErrInvalidToken.Error()
}
