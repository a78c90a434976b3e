package proxy

import (
	"context"
	"sort"
)

// Field is one named attribute of a context or item. A name may repeat to
// carry several values.
type Field struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// Context describes the requester/session a batch of items is scored for.
// Field order carries no meaning.
type Context struct {
	Fields []Field `json:"fields,omitempty"`
}

// Item is a scorable candidate. ID is required; Attributes are optional and
// take part in the cache key.
type Item struct {
	ID         string  `json:"id"`
	Attributes []Field `json:"attributes,omitempty"`
}

// ScoreRequest is one batch scoring request.
type ScoreRequest struct {
	ModelName string   `json:"model_name,omitempty"`
	Context   *Context `json:"context,omitempty"`
	Items     []Item   `json:"items"`
}

// ItemFailure reports an item whose score could not be computed.
type ItemFailure struct {
	Index   int    `json:"index"`
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// ScoreResponse carries one score per requested item, in request order.
type ScoreResponse struct {
	Scores    []float64     `json:"scores"`
	Failures  []ItemFailure `json:"failures,omitempty"`
	CacheHits int           `json:"cache_hits"`
}

// Scorer is the external scoring backend. Implementations must be safe for
// concurrent use. The context's fields arrive sorted by (name, value).
type Scorer interface {
	Score(ctx context.Context, nc *NormalizedContext, item Item) (float64, error)
}

// BatchScorer is a Scorer that can also score many items in one backend
// request. The resolver detects it and sends all misses of a request in one
// ScoreBatch call. The returned slice is aligned with items; an error fails
// every item of the call.
type BatchScorer interface {
	Scorer
	ScoreBatch(ctx context.Context, nc *NormalizedContext, items []Item) ([]float64, error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, nc *NormalizedContext, item Item) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, nc *NormalizedContext, item Item) (float64, error) {
	return f(ctx, nc, item)
}

// sortFields returns a sorted copy of fields, ordered by name then value.
func sortFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}
