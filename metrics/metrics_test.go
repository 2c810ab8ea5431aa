package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mfc-ledger/metrics"
)

func TestMetrics_ObservationsAreExported(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg, reg)

	m.ObserveOperation("send", "ok", 3*time.Millisecond)
	m.ObserveOperation("send", "insufficient_balance", time.Millisecond)
	m.ObserveHTTP("POST", "/api/accounts/{id}/send", 200, 5*time.Millisecond)
	m.ObserveExpired(2)

	count, err := testutil.GatherAndCount(reg, "mfc_ledger_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP mfc_ledger_requests_expired_total Pending cash requests closed by the expiry sweep
# TYPE mfc_ledger_requests_expired_total counter
mfc_ledger_requests_expired_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mfc_ledger_requests_expired_total"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mfc_ledger_http_requests_total{method="POST",route="/api/accounts/{id}/send",status="200"} 1`)
}
