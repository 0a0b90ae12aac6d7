package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	assert.True(t, hm.IsHealthy(), "empty health manager should be healthy")

	hm.Register("venue", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("session", func() error { return fmt.Errorf("failed") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["venue"])
	assert.Equal(t, "Unhealthy: failed", status["session"])
}

func TestHealthManager_Handler(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("venue", func() error { return nil })

	rec := httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Healthy    bool              `json:"healthy"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
	assert.Equal(t, "Healthy", body.Components["venue"])

	hm.Register("session", func() error { return fmt.Errorf("stalled") })
	rec = httptest.NewRecorder()
	hm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHeartbeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hb := NewHeartbeat(time.Second)
	hb.now = func() time.Time { return now }

	assert.Error(t, hb.Check(), "stale before the first beat")

	hb.Beat()
	assert.NoError(t, hb.Check())

	now = now.Add(1500 * time.Millisecond)
	err := hb.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1.5s")
}
