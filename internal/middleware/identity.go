package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const userIDKey contextKey = "user_id"

// Identity reads the caller from the X-User-ID header. Values that are not
// UUIDs are discarded so handlers never see malformed subject keys.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if raw := r.Header.Get("X-User-ID"); raw != "" {
			if id, err := uuid.Parse(raw); err == nil {
				ctx = context.WithValue(ctx, userIDKey, id.String())
			}
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}
