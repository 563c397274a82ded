package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_RendersCounters(t *testing.T) {
	var r Registry
	r.Appends.Add(3)
	r.Snapshots.Add(1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	for _, want := range []string{
		"store_journal_appends_total 3",
		"store_snapshots_total 1",
		"# TYPE store_journal_appends_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q\n%s", want, body)
		}
	}
}
