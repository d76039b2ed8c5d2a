package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncBuildOutcome("successful")
	pr.IncBuildOutcome("successful")
	pr.IncBuildOutcome("timeout")
	pr.ObserveBuildDuration(90 * time.Second)
	pr.SetActiveBuilds(3)
	pr.SetConcurrencyLimit(4)
	pr.IncReconcile(ResultFailed)
	pr.AddPurgedFiles(2)
	pr.AddPurgedFiles(0)

	if got := testutil.ToFloat64(pr.buildOutcome.WithLabelValues("successful")); got != 2 {
		t.Errorf("successful outcomes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pr.activeBuilds); got != 3 {
		t.Errorf("active builds = %v, want 3", got)
	}
	if got := testutil.ToFloat64(pr.purgedFiles); got != 2 {
		t.Errorf("purged files = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(pr.reconcile); n != 1 {
		t.Errorf("reconcile series = %d, want 1", n)
	}
}

func TestNilPrometheusRecorder(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncBuildOutcome("failed")
	pr.SetActiveBuilds(1)
}

func TestHandler(t *testing.T) {
	reg := prom.NewRegistry()
	NewPrometheusRecorder(reg).SetConcurrencyLimit(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "aurcache_max_concurrent_builds 2") {
		t.Errorf("metrics output missing limit gauge:\n%s", rec.Body.String())
	}
}

var _ Recorder = NoopRecorder{}
var _ Recorder = (*PrometheusRecorder)(nil)
