package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                             "/",
		"/metrics":                     "/metrics",
		"/authenticate":                "/authenticate",
		"/admin/users":                 "/admin/users",
		"/admin/users/42":              "/admin/users/:id",
		"/admin/users/abc":             "/admin/users/abc",
		"/admin/users/42/extra":        "/admin/users/42/extra",
		"/api/oncall?division=ops":     "/api/oncall",
		"/api/oncall/history?limit=10": "/api/oncall/history",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentCountsRequests(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := value(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/admin/users/:id", "418"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/users/7", nil))
	after := value(t, httpRequestsTotal.WithLabelValues(http.MethodGet, "/admin/users/:id", "418"))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestRecordAttemptAndReady(t *testing.T) {
	before := value(t, authAttempts.WithLabelValues(AttemptInvalid))
	RecordAttempt(AttemptInvalid)
	if got := value(t, authAttempts.WithLabelValues(AttemptInvalid)); got-before != 1 {
		t.Fatalf("attempt counter not incremented")
	}

	SetReady(true)
	if value(t, ready) != 1 {
		t.Fatalf("expected ready gauge 1")
	}
	SetReady(false)
	if value(t, ready) != 0 {
		t.Fatalf("expected ready gauge 0")
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()
}

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case m.Counter != nil:
		return m.GetCounter().GetValue()
	case m.Gauge != nil:
		return m.GetGauge().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}
