package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

func postScores(t *testing.T, g *Gateway, body string) (int, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/scores", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestGateway_Scores(t *testing.T) {
	var calls atomic.Int64
	g := NewGateway(newTestHandler(t, idScorer(&calls)))

	code, body := postScores(t, g, `{"model_name":"recsys","context":{"fields":[{"name":"site","value":"x"}]},"items":[{"id":"2"},{"id":"5"}]}`)
	require.Equal(t, http.StatusOK, code, string(body))

	var resp proxy.ScoreResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, []float64{2, 5}, resp.Scores)
	assert.Empty(t, resp.Failures)
}

func TestGateway_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"items":`, http.StatusBadRequest},
		{"no items", `{"model_name":"recsys","items":[]}`, http.StatusBadRequest},
		{"missing item id", `{"items":[{"id":""}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			g := NewGateway(newTestHandler(t, idScorer(&calls)))
			code, body := postScores(t, g, tt.body)
			assert.Equal(t, tt.want, code, string(body))
			assert.Contains(t, string(body), `"error"`)
			assert.Zero(t, calls.Load())
		})
	}
}

func TestGateway_CacheStats(t *testing.T) {
	var calls atomic.Int64
	g := NewGateway(newTestHandler(t, idScorer(&calls)))
	postScores(t, g, `{"items":[{"id":"1"},{"id":"2"}]}`)
	postScores(t, g, `{"items":[{"id":"1"}]}`)

	resp, err := g.App().Test(httptest.NewRequest(http.MethodGet, "/v1/cache/stats", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Cache.Size)
	assert.Equal(t, uint64(1), stats.Cache.Hits)
	assert.Equal(t, uint64(2), stats.Cache.Misses)
	assert.InDelta(t, 1.0/3.0, stats.HitRate, 1e-9)
	assert.Equal(t, uint64(2), stats.Backend.BackendCalls)
}

func TestGateway_Healthz(t *testing.T) {
	var calls atomic.Int64
	g := NewGateway(newTestHandler(t, idScorer(&calls)))

	resp, err := g.App().Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}
