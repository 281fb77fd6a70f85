package kvload

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestExporter(t *testing.T) {
	e := NewExporter()
	e.observe("dkv_set_get", "dkvSetKey", 12.5)
	e.check("dkv_set_get", "post status was 201", true)
	e.check("dkv_set_get", "post status was 201", false)
	e.check("dkv_set_get", "post status was 201", true)
	e.iteration("dkv_set_get")

	require.Equal(t, 2.0, testutil.ToFloat64(e.checks.WithLabelValues("dkv_set_get", "post status was 201", "true")))
	require.Equal(t, 1.0, testutil.ToFloat64(e.iterations.WithLabelValues("dkv_set_get")))

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `kvload_trend_milliseconds_count{handle="dkv_set_get",trend="dkv_set_key"} 1`), body)
	require.True(t, strings.Contains(body, `kvload_checks_total{check="post status was 201",handle="dkv_set_get",result="false"} 1`), body)
}

func TestExporterListen(t *testing.T) {
	e := NewExporter()
	require.NoError(t, e.Listen("127.0.0.1:0"))
	require.NoError(t, e.Close())
	require.NoError(t, NewExporter().Close())
}
