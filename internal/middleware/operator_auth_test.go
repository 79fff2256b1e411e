package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clawtask/backend/internal/auth"
)

func TestOperatorAuth(t *testing.T) {
	tokens := auth.NewService("s3cret")
	good, err := tokens.Issue("oncall", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	forged, _ := auth.NewService("guess").Issue("oncall", time.Hour)

	var seen string
	h := OperatorAuth(tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFromCtx(r.Context()).Subject
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + good, http.StatusOK},
		{"missing", "", http.StatusUnauthorized},
		{"forged", "Bearer " + forged, http.StatusUnauthorized},
		{"agent key", "Bearer avt_0123456789abcdef0123456789abcdef", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
	if seen != "oncall" {
		t.Errorf("operator subject = %q", seen)
	}
}
