package proxy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler is the service-facing entry point: it validates a request, resolves
// its scores and applies the failure policy.
type Handler struct {
	resolver     *Resolver
	policy       FailurePolicy
	defaultScore float64
}

// NewHandler returns a Handler. An empty policy selects FailurePolicyReport.
// defaultScore fills the slots of items whose scoring failed.
func NewHandler(resolver *Resolver, policy FailurePolicy, defaultScore float64) *Handler {
	if policy == "" {
		policy = FailurePolicyReport
	}
	if !validFailurePolicies[policy] {
		panic("NewHandler: unknown failure policy " + string(policy))
	}
	return &Handler{resolver: resolver, policy: policy, defaultScore: defaultScore}
}

// Resolver returns the underlying resolver.
func (h *Handler) Resolver() *Resolver { return h.resolver }

// Policy returns the configured failure policy.
func (h *Handler) Policy() FailurePolicy { return h.policy }

// Handle scores req. It returns an error wrapping ErrInvalidArgument for
// malformed requests, or ctx.Err() if the request ends before all scores are
// known. A missing context is treated as an empty one.
func (h *Handler) Handle(ctx context.Context, req *ScoreRequest) (*ScoreResponse, error) {
	if err := ValidateScoreRequest(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	results, err := h.resolver.Resolve(ctx, req.ModelName, req.Context, req.Items)
	if err != nil {
		return nil, err
	}

	resp := &ScoreResponse{Scores: make([]float64, len(results))}
	for i, res := range results {
		if res.Cached {
			resp.CacheHits++
		}
		if res.Err == nil {
			resp.Scores[i] = res.Score
			continue
		}
		resp.Scores[i] = h.defaultScore
		switch h.policy {
		case FailurePolicyReport:
			resp.Failures = append(resp.Failures, ItemFailure{
				Index:   i,
				ItemID:  req.Items[i].ID,
				Message: res.Err.Error(),
			})
		case FailurePolicySubstitute:
			logrus.Warnf("substituting default score %v: %v", h.defaultScore, res.Err)
		}
	}

	logrus.Debugf("scored %d items for model %q in %v (%d cached, %d failed)",
		len(req.Items), req.ModelName, time.Since(start), resp.CacheHits, countFailures(results))
	return resp, nil
}

func countFailures(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
