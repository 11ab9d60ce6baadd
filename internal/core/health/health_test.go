package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLiveness_Handler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	Liveness()(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	ct := rr.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q want text/plain", ct)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "ok" {
		t.Fatalf("body=%q want ok", got)
	}
}

type fakeReporter struct {
	ready   bool
	failing []string
}

func (f fakeReporter) Readiness() (bool, []string) { return f.ready, f.failing }

func TestReadiness_StatusCodes(t *testing.T) {
	cases := []struct {
		rep  fakeReporter
		code int
		body string
	}{
		{fakeReporter{ready: true}, http.StatusOK, `"status":"ready"`},
		{fakeReporter{ready: true, failing: []string{"flood"}}, http.StatusOK, `"failing_layers":["flood"]`},
		{fakeReporter{ready: false}, http.StatusServiceUnavailable, `"status":"not_ready"`},
	}
	for _, c := range cases {
		rr := httptest.NewRecorder()
		Readiness(c.rep)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != c.code {
			t.Fatalf("status=%d want %d", rr.Code, c.code)
		}
		if !strings.Contains(rr.Body.String(), c.body) {
			t.Fatalf("body=%s want %s", rr.Body.String(), c.body)
		}
	}
}
