package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		apiKey    string
		header    string
		want      int
		challenge string
		reason    string
	}{
		{name: "disabled without key", apiKey: "", header: "", want: http.StatusOK},
		{name: "disabled ignores header", apiKey: "", header: "Bearer anything", want: http.StatusOK},
		{name: "missing header", apiKey: "k3y", header: "", want: http.StatusUnauthorized, challenge: `realm="coachkb"`, reason: rejectMissing},
		{name: "wrong token", apiKey: "k3y", header: "Bearer nope", want: http.StatusUnauthorized, challenge: "invalid_token", reason: rejectInvalid},
		{name: "prefix of key", apiKey: "k3y", header: "Bearer k3", want: http.StatusUnauthorized, challenge: "invalid_token", reason: rejectInvalid},
		{name: "basic scheme", apiKey: "k3y", header: "Basic azN5Og==", want: http.StatusUnauthorized, challenge: `realm="coachkb"`, reason: rejectMissing},
		{name: "correct token", apiKey: "k3y", header: "Bearer k3y", want: http.StatusOK},
		{name: "lowercase scheme", apiKey: "k3y", header: "bearer k3y", want: http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newServerMetrics(prometheus.NewRegistry())
			req := httptest.NewRequest(http.MethodPost, "/api/creators/alice/build", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			newTokenAuth(tc.apiKey, m.authRejectedTotal).wrap(okHandler).ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("want %d, got %d", tc.want, w.Code)
			}
			if got := w.Header().Get("WWW-Authenticate"); !strings.Contains(got, tc.challenge) || (tc.challenge == "") != (got == "") {
				t.Errorf("WWW-Authenticate = %q, want it to contain %q", got, tc.challenge)
			}
			if tc.reason == "" {
				if n := testutil.CollectAndCount(m.authRejectedTotal); n != 0 {
					t.Errorf("accepted request counted as rejected (%d series)", n)
				}
				return
			}
			if got := testutil.ToFloat64(m.authRejectedTotal.WithLabelValues(tc.reason)); got != 1 {
				t.Errorf("rejected{reason=%q} = %v, want 1", tc.reason, got)
			}
			if !strings.Contains(w.Body.String(), `"error":`) {
				t.Errorf("want JSON error body, got %s", w.Body.String())
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Bearer tok":        "tok",
		"BEARER tok":        "tok",
		"Bearer   padded  ": "padded",
		"Bearer":            "",
		"Basic azN5Og==":    "",
		"tok":               "",
		"":                  "",
		"Bearer two words":  "two words",
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		if got := bearerToken(req); got != want {
			t.Errorf("header %q: want %q, got %q", header, want, got)
		}
	}
}
