package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lirancohen/loupe/approval"
	"github.com/lirancohen/loupe/lifecycle"
	"github.com/lirancohen/loupe/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ workflow.Observer  = (*Collector)(nil)
	_ lifecycle.Observer = (*Collector)(nil)
)

func TestCollector_ObserveSubmission(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveSubmission(approval.ActionSaleCreate, workflow.OutcomePending, 3*time.Millisecond)
	c.ObserveSubmission(approval.ActionSaleCreate, workflow.OutcomePending, time.Millisecond)
	c.ObserveSubmission(approval.ActionSaleCreate, workflow.OutcomeImmediate, time.Millisecond)

	tests := []struct {
		outcome string
		want    float64
	}{
		{workflow.OutcomePending, 2},
		{workflow.OutcomeImmediate, 1},
		{workflow.OutcomeDeduplicated, 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(c.submissions.WithLabelValues(string(approval.ActionSaleCreate), tt.outcome))
		if got != tt.want {
			t.Errorf("submissions{outcome=%s} = %v, want %v", tt.outcome, got, tt.want)
		}
	}

	if n := testutil.CollectAndCount(c.submissionDuration); n != 1 {
		t.Errorf("submission duration series = %d, want 1", n)
	}
}

func TestCollector_ObserveTransition(t *testing.T) {
	c := New(nil)

	c.ObserveTransition(lifecycle.OpApprove, approval.StatusApproved, time.Millisecond)
	c.ObserveTransition(lifecycle.OpExpire, approval.StatusCancelled, time.Millisecond)
	c.ObserveTransition(lifecycle.OpApprove, approval.StatusApproved, time.Millisecond)

	if got := testutil.ToFloat64(c.transitions.WithLabelValues("approve", "APPROVED")); got != 2 {
		t.Errorf("transitions{approve,APPROVED} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.transitions.WithLabelValues("expire", "CANCELLED")); got != 1 {
		t.Errorf("transitions{expire,CANCELLED} = %v, want 1", got)
	}
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{304, "3xx"},
		{409, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
		{700, "unknown"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New(nil)
	c.RecordHTTPRequest("POST", "/api/v1/sales", 201, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	want := `loupe_http_requests_total{method="POST",route="/api/v1/sales",status="2xx"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("scrape output missing %q", want)
	}
}
