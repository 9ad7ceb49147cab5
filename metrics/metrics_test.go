package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/metrics"
)

func TestHandler_ServesLedgerCounters(t *testing.T) {
	before := testutil.ToFloat64(metrics.Settlements.WithLabelValues("settled"))
	metrics.Settlements.WithLabelValues("settled").Inc()
	metrics.CodesExhausted.WithLabelValues("voucher").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Settlements.WithLabelValues("settled")))

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledger_settlement_requests_total{outcome="settled"}`)
	assert.Contains(t, string(body), `ledger_codegen_exhausted_total{scope="voucher"}`)
}
