package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/metric-store/pkg/store"
)

func TestMetrics_ObservesStore(t *testing.T) {
	m := NewMetrics("metricd")

	s, err := store.New(store.Config{Observers: []store.Observer{m}}, zerolog.Nop())
	require.NoError(t, err)

	_, _ = s.RegisterMetric("cpu")
	_, _ = s.RegisterMetric("cpu")
	_, _ = s.RegisterMetric("mem")
	_, _ = s.InsertSample("cpu", 1)
	_, _ = s.InsertSample("cpu", 2)
	_, _ = s.InsertSample("missing", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.metricsRegistered))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesInserted.WithLabelValues("cpu")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.seriesSamples.WithLabelValues("cpu")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.seriesSamples.WithLabelValues("mem")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("metricd")
	m.MetricRegistered("latency")
	m.SampleInserted("latency", 4.2, 1)
	m.ObserveRequest(http.MethodGet, "/metric", http.StatusOK, 3*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "metricd_store_metrics_registered_total 1")
	assert.Contains(t, text, `metricd_store_samples_inserted_total{metric="latency"} 1`)
	assert.Contains(t, text, `metricd_store_series_samples{metric="latency"} 1`)
	assert.Contains(t, text, `metricd_http_request_duration_seconds_count{method="GET",route="/metric",status="200"} 1`)
}

func TestMetrics_SeriesSamplesIgnoresLateNotifications(t *testing.T) {
	m := NewMetrics("metricd")

	m.SampleInserted("cpu", 2, 2)
	m.SampleInserted("cpu", 1, 1)
	m.MetricRegistered("cpu")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.seriesSamples.WithLabelValues("cpu")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.samplesInserted.WithLabelValues("cpu")))
}

func TestMetrics_SeriesSamplesUnderConcurrentInserts(t *testing.T) {
	m := NewMetrics("metricd")
	s, err := store.New(store.Config{Observers: []store.Observer{m}}, zerolog.Nop())
	require.NoError(t, err)
	_, _ = s.RegisterMetric("cpu")

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _ = s.InsertSample("cpu", float64(w*perWorker+i))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, float64(workers*perWorker), testutil.ToFloat64(m.seriesSamples.WithLabelValues("cpu")))
}
