package middleware

import (
	"context"
	"net/http"

	"github.com/clawtask/backend/internal/auth"
)

// OperatorAuth admits requests carrying a valid operator JWT.
func OperatorAuth(tokens auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing operator token")
				return
			}
			op, err := tokens.Validate(raw)
			if err != nil {
				deny(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid operator token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxOperatorKey, op)))
		})
	}
}

// OperatorFromCtx returns the authenticated operator, or nil.
func OperatorFromCtx(ctx context.Context) *auth.Operator {
	op, _ := ctx.Value(ctxOperatorKey).(*auth.Operator)
	return op
}
