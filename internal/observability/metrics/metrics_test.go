package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(failOpenEstimates)
	IncFailOpenEstimate()
	if got := testutil.ToFloat64(failOpenEstimates); got != before+1 {
		t.Fatalf("expected fail-open counter to grow by one, got %v -> %v", before, got)
	}

	beforeOutcome := testutil.ToFloat64(withdrawals.WithLabelValues("success"))
	IncWithdrawal("success")
	if got := testutil.ToFloat64(withdrawals.WithLabelValues("success")); got != beforeOutcome+1 {
		t.Fatalf("unexpected withdrawal count %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/healthz", http.MethodGet, http.StatusOK, 20*time.Millisecond)
	ObserveEvent("text", "ok", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`walletbot_http_requests_total{code="200",handler="/healthz",method="GET"}`,
		`walletbot_events_processed_total{kind="text",result="ok"}`,
		"walletbot_http_request_duration_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
