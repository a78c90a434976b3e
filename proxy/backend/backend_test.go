package backend

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

func normalize(model string, fields ...proxy.Field) *proxy.NormalizedContext {
	return proxy.NewFingerprinter(nil).Normalize(model, &proxy.Context{Fields: fields})
}

func TestHTTPScorer_PostsSortedContextAndParsesScore(t *testing.T) {
	// GIVEN a model server that records the request
	var got scoreRequestBody
	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"score": 0.75}`))
	}))
	defer server.Close()

	// WHEN an item is scored
	scorer := NewHTTPScorer(server.URL+"/", "secret", time.Second)
	nc := normalize("recsys", proxy.Field{Name: "site", Value: "x"}, proxy.Field{Name: "country", Value: "fr"})
	score, err := scorer.Score(context.Background(), nc, proxy.Item{ID: "42"})

	// THEN the reply score is returned and the request is well formed
	require.NoError(t, err)
	assert.Equal(t, 0.75, score)
	assert.Equal(t, "/v1/score", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "recsys", got.Model)
	assert.Equal(t, "42", got.Item.ID)
	assert.Equal(t, []proxy.Field{{Name: "country", Value: "fr"}, {Name: "site", Value: "x"}}, got.Context)
}

func TestHTTPScorer_BadReplies_AreErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusServiceUnavailable, "overloaded", "HTTP 503: overloaded"},
		{"malformed json", http.StatusOK, "{", "JSON parse error"},
		{"missing score", http.StatusOK, `{"value": 1}`, "reply has no score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPScorer(server.URL, "", time.Second).Score(context.Background(), normalize("m"), proxy.Item{ID: "1"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHTTPScorer_NoToken_NoAuthorizationHeader(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"score": 1}`))
	}))
	defer server.Close()

	_, err := NewHTTPScorer(server.URL, "", 0).Score(context.Background(), normalize("m"), proxy.Item{ID: "1"})
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestHTTPScorer_ContextDeadline_Aborts(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPScorer(server.URL, "", time.Second).Score(ctx, normalize("m"), proxy.Item{ID: "1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPBatchScorer_PostsAllItemsInOneRequest(t *testing.T) {
	// GIVEN a model server with a batch endpoint
	var got scoreBatchRequestBody
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"scores": [0.1, 0.2, 0.3]}`))
	}))
	defer server.Close()

	// WHEN three items are scored together
	scorer := NewHTTPBatchScorer(server.URL, "", time.Second)
	scores, err := scorer.ScoreBatch(context.Background(), normalize("recsys"), []proxy.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}})

	// THEN one request carried them all and the scores keep item order
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, scores)
	assert.Equal(t, "/v1/score/batch", gotPath)
	assert.Equal(t, "recsys", got.Model)
	assert.Equal(t, []proxy.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}, got.Items)
	assert.NotNil(t, got.Context)
}

func TestHTTPBatchScorer_BadReplies_AreErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusBadGateway, "down", "HTTP 502: down"},
		{"short reply", http.StatusOK, `{"scores": [1]}`, "reply has 1 scores for 2 items"},
		{"missing scores", http.StatusOK, `{}`, "reply has 0 scores for 2 items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPBatchScorer(server.URL, "", time.Second).
				ScoreBatch(context.Background(), normalize("m"), []proxy.Item{{ID: "1"}, {ID: "2"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReference_Score(t *testing.T) {
	// GIVEN country=us (2), language=en (2), site=shop (4) and an unused field
	nc := normalize("recsys",
		proxy.Field{Name: "country", Value: "us"},
		proxy.Field{Name: "language", Value: "en"},
		proxy.Field{Name: "site", Value: "shop"},
		proxy.Field{Name: "session", Value: "ignored"},
	)

	score, err := NewReference().Score(context.Background(), nc, proxy.Item{ID: "10"})
	require.NoError(t, err)
	assert.InDelta(t, math.Pi*18, score, 1e-9)
}

func TestReference_RepeatedKeySumsAllValues(t *testing.T) {
	nc := normalize("recsys",
		proxy.Field{Name: "language", Value: "en"},
		proxy.Field{Name: "language", Value: "fr"},
	)
	score, err := NewReference().Score(context.Background(), nc, proxy.Item{ID: "0"})
	require.NoError(t, err)
	assert.InDelta(t, math.Pi*4, score, 1e-9)
}

func TestReference_NonNumericItem_Fails(t *testing.T) {
	_, err := NewReference().Score(context.Background(), normalize("recsys"), proxy.Item{ID: "abc"})
	assert.Error(t, err)
}

func TestReference_RandomModel_ScoresVary(t *testing.T) {
	ref := NewReference()
	nc := normalize(RandomModel)
	a, err := ref.Score(context.Background(), nc, proxy.Item{ID: "x"})
	require.NoError(t, err)
	b, err := ref.Score(context.Background(), nc, proxy.Item{ID: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew_SelectsBackend(t *testing.T) {
	s, err := New(Config{Name: NameReference})
	require.NoError(t, err)
	assert.IsType(t, &Reference{}, s)

	s, err = New(Config{Name: NameHTTP, Target: "localhost:8501"})
	require.NoError(t, err)
	require.IsType(t, &HTTPScorer{}, s)
	assert.Equal(t, "http://localhost:8501", s.(*HTTPScorer).baseURL)

	s, err = New(Config{Name: NameHTTP, Target: "localhost:8501", Batch: true})
	require.NoError(t, err)
	assert.IsType(t, &HTTPBatchScorer{}, s)
	assert.Implements(t, (*proxy.BatchScorer)(nil), s)

	_, err = New(Config{Name: NameHTTP})
	assert.Error(t, err)

	_, err = New(Config{Name: "tensorflow"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http, reference")
}

func TestValidBackendNames(t *testing.T) {
	assert.Equal(t, []string{"http", "reference"}, ValidBackendNames())
	assert.True(t, IsValidBackend("http"))
	assert.False(t, IsValidBackend(""))
}
