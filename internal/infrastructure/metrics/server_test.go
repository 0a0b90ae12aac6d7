package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"etf_arb/internal/infrastructure/health"
	"etf_arb/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "etf_arb_server_test_total", Help: "test"})
	require.NoError(t, prometheus.Register(counter))
	t.Cleanup(func() { prometheus.Unregister(counter) })
	counter.Inc()

	hm := health.NewHealthManager(nil)
	hm.Register("venue", func() error { return nil })

	s := NewServer(0, hm.Handler(), logging.NewNop())
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})

	_, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	base := "http://127.0.0.1:" + port

	code, body := get(t, base+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "etf_arb_server_test_total 1")

	code, body = get(t, base+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"healthy":true`)
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewServer(0, nil, logging.NewNop())
	assert.NoError(t, s.Stop(context.Background()))
	assert.Empty(t, s.Addr())
}
