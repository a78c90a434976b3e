package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"
)

// HashFunction names a hash used to collapse high-cardinality context values.
type HashFunction string

const (
	HashXXH64   HashFunction = "xxhash64"
	HashFNV1a64 HashFunction = "fnv1a64"
)

// validHashFunctions maps hash function names to validity. Unexported to prevent mutation.
var validHashFunctions = map[HashFunction]bool{
	HashXXH64:   true,
	HashFNV1a64: true,
}

// IsValidHashFunction returns true if name is a recognized hash function.
func IsValidHashFunction(name string) bool { return validHashFunctions[HashFunction(name)] }

// ValidHashFunctionNames returns sorted valid hash function names.
func ValidHashFunctionNames() []string {
	names := make([]string, 0, len(validHashFunctions))
	for name := range validHashFunctions {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// CardinalityRule configures one high-cardinality context key. Values of Key
// are replaced in the cache key by hash(value) mod Buckets, so that e.g. a
// per-visit session ID maps onto a bounded set of cache entries.
// A nil Buckets keeps the full 64-bit hash.
type CardinalityRule struct {
	Key          string       `yaml:"key"`
	HashFunction HashFunction `yaml:"hash_function"`
	Buckets      *uint64      `yaml:"buckets"`
}

// cardinalityFile is the YAML layout of a high-cardinality rules file.
type cardinalityFile struct {
	Keys []CardinalityRule `yaml:"keys"`
}

// CardinalityRules is a validated, read-only set of rules indexed by key.
// A nil *CardinalityRules has no rules.
type CardinalityRules struct {
	byKey map[string]CardinalityRule
}

// NewCardinalityRules validates rules and indexes them by key.
func NewCardinalityRules(rules []CardinalityRule) (*CardinalityRules, error) {
	byKey := make(map[string]CardinalityRule, len(rules))
	for _, r := range rules {
		if r.Key == "" {
			return nil, fmt.Errorf("high-cardinality rule has an empty key")
		}
		if !validHashFunctions[r.HashFunction] {
			return nil, fmt.Errorf("unknown hash_function %q for key %q; valid: %v",
				r.HashFunction, r.Key, ValidHashFunctionNames())
		}
		if r.Buckets != nil && *r.Buckets == 0 {
			return nil, fmt.Errorf("buckets for key %q must be > 0", r.Key)
		}
		if _, dup := byKey[r.Key]; dup {
			return nil, fmt.Errorf("duplicate high-cardinality key %q", r.Key)
		}
		byKey[r.Key] = r
	}
	return &CardinalityRules{byKey: byKey}, nil
}

// ParseCardinalityRules parses a YAML rules document. Unknown fields are errors.
func ParseCardinalityRules(data []byte) (*CardinalityRules, error) {
	var file cardinalityFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("parsing high-cardinality rules: %w", err)
	}
	return NewCardinalityRules(file.Keys)
}

// LoadCardinalityRules reads and parses a YAML rules file.
func LoadCardinalityRules(path string) (*CardinalityRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading high-cardinality rules: %w", err)
	}
	return ParseCardinalityRules(data)
}

// Len returns the number of rules.
func (r *CardinalityRules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byKey)
}

// Keys returns the configured keys, sorted.
func (r *CardinalityRules) Keys() []string {
	if r == nil {
		return nil
	}
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsHighCardinality reports whether key has a rule.
func (r *CardinalityRules) IsHighCardinality(key string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byKey[key]
	return ok
}

// Bucket returns the bucketed hash of value under key's rule. ok is false when
// key has no rule.
func (r *CardinalityRules) Bucket(key, value string) (bucket uint64, ok bool) {
	if r == nil {
		return 0, false
	}
	rule, ok := r.byKey[key]
	if !ok {
		return 0, false
	}
	var h uint64
	switch rule.HashFunction {
	case HashXXH64:
		h = xxhash.Sum64String(value)
	case HashFNV1a64:
		f := fnv.New64a()
		_, _ = f.Write([]byte(value))
		h = f.Sum64()
	default:
		panic(fmt.Sprintf("unvalidated hash function %q", rule.HashFunction))
	}
	if rule.Buckets != nil {
		h %= *rule.Buckets
	}
	return h, true
}

// transform returns value unchanged for ordinary keys and the 8-byte
// big-endian bucket for high-cardinality keys.
func (r *CardinalityRules) transform(key, value string) string {
	bucket, ok := r.Bucket(key, value)
	if !ok {
		return value
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bucket)
	return string(b[:])
}
