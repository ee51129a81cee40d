package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadinessWaitsForEveryComponent(t *testing.T) {
	h := NewHealthChecker("reconciler", "projection")
	assert.False(t, h.IsReady())
	assert.Equal(t, []string{"projection", "reconciler"}, h.Pending())

	h.SetReady("reconciler", true)
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "projection")

	h.SetReady("projection", true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLogLevel("DEBUG").String())
	assert.Equal(t, "warn", ParseLogLevel("warning").String())
	assert.Equal(t, "info", ParseLogLevel("loud").String())
}
