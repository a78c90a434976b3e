package proxy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrInvalidArgument marks requests rejected before any cache or backend work.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrScoringFailure marks an item whose backend call failed. Failed items
	// are never cached.
	ErrScoringFailure = errors.New("scoring failure")
)

// FailurePolicy decides how items whose scoring failed appear in a response.
type FailurePolicy string

const (
	// FailurePolicyReport fills failed slots with the default score and lists
	// every failed item in ScoreResponse.Failures.
	FailurePolicyReport FailurePolicy = "report"
	// FailurePolicySubstitute fills failed slots with the default score and
	// only logs the failures.
	FailurePolicySubstitute FailurePolicy = "substitute"
)

// validFailurePolicies maps policy names to validity. Unexported to prevent mutation.
var validFailurePolicies = map[FailurePolicy]bool{
	FailurePolicyReport:     true,
	FailurePolicySubstitute: true,
}

// ValidFailurePolicyNames returns sorted valid failure policy names.
func ValidFailurePolicyNames() []string {
	names := make([]string, 0, len(validFailurePolicies))
	for p := range validFailurePolicies {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// ParseFailurePolicy parses a policy name. Empty input selects FailurePolicyReport.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	p := FailurePolicy(strings.TrimSpace(strings.ToLower(s)))
	if p == "" {
		return FailurePolicyReport, nil
	}
	if !validFailurePolicies[p] {
		return "", fmt.Errorf("unknown failure policy %q; valid: %s", s, strings.Join(ValidFailurePolicyNames(), ", "))
	}
	return p, nil
}

// Validate implements validation.Validatable.
func (i Item) Validate() error {
	return validation.ValidateStruct(&i,
		validation.Field(&i.ID, validation.Required.Error("item id is required")),
	)
}

// ValidateScoreRequest rejects requests without items or with items lacking an
// ID. The returned error wraps ErrInvalidArgument.
func ValidateScoreRequest(ctx context.Context, req *ScoreRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}
	err := validation.ValidateStructWithContext(ctx, req,
		validation.Field(&req.Items,
			validation.Required.Error("must provide at least 1 item for scoring, received 0 items")),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}
