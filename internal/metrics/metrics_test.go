package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mxwashington/regiq-sub010/internal/model"
)

func TestObserveRunAndHealth(t *testing.T) {
	c := New()
	c.ObserveRequest("FDA", "ok")
	c.ObserveRun(model.SyncRunRecord{SourceName: "FDA", Status: model.RunSuccess, ItemsFetched: 5, ItemsInserted: 3, ItemsUpdated: 2}, 2*time.Second)
	now := time.Unix(1704888000, 0)
	c.SetHealth(model.SourceHealthState{SourceName: "FDA", Status: model.HealthStale, LastSuccessAt: &now})
	c.SetBudget("FDA", 38, -1)

	if v := testutil.ToFloat64(c.items.WithLabelValues("FDA", "inserted")); v != 3 {
		t.Fatalf("inserted = %v", v)
	}
	if v := testutil.ToFloat64(c.healthStatus.WithLabelValues("FDA", "stale")); v != 1 {
		t.Fatalf("stale gauge = %v", v)
	}
	if v := testutil.ToFloat64(c.healthStatus.WithLabelValues("FDA", "healthy")); v != 0 {
		t.Fatalf("healthy gauge = %v", v)
	}
	if v := testutil.ToFloat64(c.lastSuccessTS.WithLabelValues("FDA")); v != 1704888000 {
		t.Fatalf("last success = %v", v)
	}

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`regiq_sync_runs_total{source="FDA",status="success"} 1`,
		`regiq_source_requests_total{outcome="ok",source="FDA"} 1`,
		`regiq_rate_budget_remaining{source="FDA",window="minute"} 38`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
	if strings.Contains(string(body), `window="hour"`) {
		t.Error("unlimited window must not be exported")
	}
}
