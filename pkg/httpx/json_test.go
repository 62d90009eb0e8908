package httpx

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusAccepted, map[string]string{"id": "rsv_1", "command": "commit"})

	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `{"id":"rsv_1","command":"commit"}`, rr.Body.String())
}

func TestWriteJSONUnencodableValueIsServerError(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]float64{"cost": math.NaN()})

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "encode_failed", body.Code)
	assert.NotContains(t, rr.Body.String(), "cost")
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusConflict, "committing", "reservation is committing")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.JSONEq(t, `{"code":"committing","message":"reservation is committing"}`, rr.Body.String())
}
