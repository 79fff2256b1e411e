package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/clawtask/backend/internal/schemas"
)

// MaxBodyBytes bounds request bodies read by ValidateBody.
const MaxBodyBytes = 64 << 10

// ValidateBody checks the JSON body against the named schema, then replaces
// r.Body so the handler can decode it again.
func ValidateBody(v *schemas.Validator, schema string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
			r.Body.Close()
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					deny(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body too large")
					return
				}
				deny(w, http.StatusBadRequest, "INVALID_REQUEST", "failed to read body")
				return
			}
			if err := v.Validate(schema, body); err != nil {
				if errors.Is(err, schemas.ErrValidation) {
					deny(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
					return
				}
				deny(w, http.StatusInternalServerError, "INTERNAL", "internal error")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
