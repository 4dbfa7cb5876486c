package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryIsolated(t *testing.T) {
	// Two registries on separate prometheus registries must not collide.
	a := NewRegistry(prometheus.NewRegistry())
	b := NewRegistry(prometheus.NewRegistry())

	a.Matching.Matches.Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(a.Matching.Matches))
	require.Equal(t, 0.0, testutil.ToFloat64(b.Matching.Matches))
}

func TestHandlerExposesCollectors(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())
	r.Messages.Relayed.WithLabelValues("offer").Add(3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `odin_roulette_relayed_total{type="offer"} 3`), body)
}

func TestSystemSamplerSample(t *testing.T) {
	r := NewRegistry(prometheus.NewRegistry())
	s, err := NewSystemSampler(r, time.Second)
	require.NoError(t, err)

	s.Sample()
	require.Greater(t, testutil.ToFloat64(r.Process.Goroutines), 0.0)
	require.Greater(t, testutil.ToFloat64(r.Process.HeapInUse), 0.0)
}
