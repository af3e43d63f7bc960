package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveJob(t *testing.T) {
	m := New()
	m.ObserveJob("queue", "completed", 2*time.Second)
	m.ObserveJob("queue", "completed", time.Second)
	m.ObserveJob("", "failed", time.Second)

	if got := testutil.ToFloat64(m.jobs.WithLabelValues("queue", "completed")); got != 2 {
		t.Fatalf("jobs{queue,completed} = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("unknown", "failed")); got != 1 {
		t.Fatalf("jobs{unknown,failed} = %v; want 1", got)
	}
}

func TestObserveLoad(t *testing.T) {
	m := New()
	m.ObserveLoad(time.Second, errors.New("no cuda device"))
	if got := testutil.ToFloat64(m.loaded); got != 0 {
		t.Fatalf("loaded = %v; want 0", got)
	}
	m.ObserveLoad(time.Second, nil)
	if got := testutil.ToFloat64(m.loaded); got != 1 {
		t.Fatalf("loaded = %v; want 1", got)
	}
	if got := testutil.ToFloat64(m.loads.WithLabelValues("failure")); got != 1 {
		t.Fatalf("loads{failure} = %v; want 1", got)
	}
	m.SetLoaded(false)
	if got := testutil.ToFloat64(m.loaded); got != 0 {
		t.Fatalf("loaded = %v; want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveInference(3 * time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "acecover_inference_duration_seconds_count 1") {
		t.Fatalf("Handler() body missing inference histogram:\n%s", body)
	}
}
