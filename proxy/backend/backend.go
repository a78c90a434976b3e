// Package backend provides the scoring backends the proxy can sit in front of.
package backend

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

const (
	// NameHTTP selects HTTPScorer.
	NameHTTP = "http"
	// NameReference selects the in-process Reference model.
	NameReference = "reference"
)

// validBackends maps backend names to validity. Unexported to prevent mutation.
var validBackends = map[string]bool{
	NameHTTP:      true,
	NameReference: true,
}

// IsValidBackend returns true if name is a recognized backend.
func IsValidBackend(name string) bool { return validBackends[name] }

// ValidBackendNames returns sorted valid backend names.
func ValidBackendNames() []string {
	names := make([]string, 0, len(validBackends))
	for name := range validBackends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config selects and configures a backend.
type Config struct {
	Name    string        // "http" or "reference"
	Target  string        // base URL, http only
	Token   string        // optional bearer token, http only
	Timeout time.Duration // per-request HTTP timeout, http only
	Batch   bool          // score all misses of a request in one call, http only
}

// New builds the backend named by cfg.Name.
func New(cfg Config) (proxy.Scorer, error) {
	switch cfg.Name {
	case NameHTTP:
		target := strings.TrimSpace(cfg.Target)
		if target == "" {
			return nil, fmt.Errorf("backend %q requires a target URL", NameHTTP)
		}
		if !strings.Contains(target, "://") {
			target = "http://" + target
		}
		if cfg.Batch {
			return NewHTTPBatchScorer(target, cfg.Token, cfg.Timeout), nil
		}
		return NewHTTPScorer(target, cfg.Token, cfg.Timeout), nil
	case NameReference:
		return NewReference(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q; valid: %s", cfg.Name, strings.Join(ValidBackendNames(), ", "))
	}
}
