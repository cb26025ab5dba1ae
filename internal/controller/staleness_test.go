package controller

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hendraet/labshare/internal/models"
)

func TestGPUStaleness(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.report(t, "dev-1", "gpu-a").Code)
	reportedAt := ts.clock.Now()

	stale := func() bool {
		rr := ts.do(t, http.MethodGet, "/v1/gpus/gpu-a", "alice-token", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		view := decode[models.GPUView](t, rr)
		assert.Equal(t, reportedAt, view.LastUpdate)
		return view.Stale
	}

	assert.False(t, stale(), "fresh report")

	ts.clock.Advance(models.TelemetryStaleAfter - time.Minute)
	assert.False(t, stale())

	ts.clock.Advance(2 * time.Minute)
	assert.True(t, stale(), "agent stopped reporting")

	require.Equal(t, http.StatusOK, ts.report(t, "dev-1", "gpu-a").Code)
	reportedAt = ts.clock.Now()
	assert.False(t, stale(), "new report clears staleness")
}
