package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

// DefaultHTTPTimeout applies when no timeout is configured.
const DefaultHTTPTimeout = 5 * time.Second

// HTTPScorer scores items against a JSON-over-HTTP model server.
type HTTPScorer struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer for the server at baseURL. token, if set, is
// sent as a bearer token.
func NewHTTPScorer(baseURL, token string, timeout time.Duration) *HTTPScorer {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPScorer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type scoreRequestBody struct {
	Model   string        `json:"model"`
	Context []proxy.Field `json:"context"`
	Item    proxy.Item    `json:"item"`
}

type scoreReplyBody struct {
	Score *float64 `json:"score"`
}

// Score posts one item to {baseURL}/v1/score.
func (c *HTTPScorer) Score(ctx context.Context, nc *proxy.NormalizedContext, item proxy.Item) (float64, error) {
	var reply scoreReplyBody
	if err := c.post(ctx, "/v1/score", scoreRequestBody{Model: nc.Model, Context: contextFields(nc), Item: item}, &reply); err != nil {
		return 0, err
	}
	if reply.Score == nil {
		return 0, errors.New("reply has no score")
	}
	return *reply.Score, nil
}

// HTTPBatchScorer is an HTTPScorer that also scores whole batches with one
// request to {baseURL}/v1/score/batch.
type HTTPBatchScorer struct {
	*HTTPScorer
}

// NewHTTPBatchScorer creates a batch scorer for the server at baseURL.
func NewHTTPBatchScorer(baseURL, token string, timeout time.Duration) *HTTPBatchScorer {
	return &HTTPBatchScorer{HTTPScorer: NewHTTPScorer(baseURL, token, timeout)}
}

type scoreBatchRequestBody struct {
	Model   string        `json:"model"`
	Context []proxy.Field `json:"context"`
	Items   []proxy.Item  `json:"items"`
}

type scoreBatchReplyBody struct {
	Scores []float64 `json:"scores"`
}

// ScoreBatch posts items to {baseURL}/v1/score/batch. The reply must hold one
// score per item, in item order.
func (c *HTTPBatchScorer) ScoreBatch(ctx context.Context, nc *proxy.NormalizedContext, items []proxy.Item) ([]float64, error) {
	var reply scoreBatchReplyBody
	if err := c.post(ctx, "/v1/score/batch", scoreBatchRequestBody{Model: nc.Model, Context: contextFields(nc), Items: items}, &reply); err != nil {
		return nil, err
	}
	if len(reply.Scores) != len(items) {
		return nil, fmt.Errorf("reply has %d scores for %d items", len(reply.Scores), len(items))
	}
	return reply.Scores, nil
}

func contextFields(nc *proxy.NormalizedContext) []proxy.Field {
	if nc.Fields == nil {
		return []proxy.Field{}
	}
	return nc.Fields
}

// post sends body as JSON to path and decodes a 200 reply into reply.
func (c *HTTPScorer) post(ctx context.Context, path string, body, reply any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("request creation error: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyData)))
	}
	if err := json.Unmarshal(bodyData, reply); err != nil {
		return fmt.Errorf("JSON parse error: %w", err)
	}
	return nil
}
