package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

// RandomModel is the model name for which Reference returns a fresh random
// score on every call. Useful to observe caching from the outside.
const RandomModel = "random"

// referenceContextKeys are the context fields the reference model reads.
var referenceContextKeys = []string{"country", "language", "site"}

// Reference is a deterministic in-process model:
//
//	score = π × (itemID + total bytes of the country, language and site values)
//
// Item IDs must be integers.
type Reference struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewReference returns the reference model.
func NewReference() *Reference {
	return &Reference{rng: rand.New(rand.NewSource(rand.Int63()))}
}

// Score implements proxy.Scorer.
func (r *Reference) Score(ctx context.Context, nc *proxy.NormalizedContext, item proxy.Item) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if nc.Model == RandomModel {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.rng.Float64(), nil
	}

	id, err := strconv.ParseInt(item.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reference model needs an integer item id, got %q", item.ID)
	}
	total := id
	for _, key := range referenceContextKeys {
		for _, v := range nc.Values(key) {
			total += int64(len(v))
		}
	}
	return math.Pi * float64(total), nil
}
