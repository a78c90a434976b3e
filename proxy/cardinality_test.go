package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCardinalityRules_ValidDocument(t *testing.T) {
	rules, err := ParseCardinalityRules([]byte(`
keys:
  - key: session
    hash_function: xxhash64
    buckets: 1000
  - key: user
    hash_function: fnv1a64
`))
	require.NoError(t, err)
	assert.Equal(t, 2, rules.Len())
	assert.Equal(t, []string{"session", "user"}, rules.Keys())
	assert.True(t, rules.IsHighCardinality("session"))
	assert.False(t, rules.IsHighCardinality("country"))

	bucket, ok := rules.Bucket("session", "abc")
	assert.True(t, ok)
	assert.Less(t, bucket, uint64(1000))

	_, ok = rules.Bucket("country", "fr")
	assert.False(t, ok)
}

func TestParseCardinalityRules_InvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "keys:\n  - key: session\n    hash_function: xxhash64\n    bucket: 3\n"},
		{"unknown hash", "keys:\n  - key: session\n    hash_function: md5\n"},
		{"farmhash unsupported", "keys:\n  - key: session\n    hash_function: farmfingerprint64\n"},
		{"zero buckets", "keys:\n  - key: session\n    hash_function: xxhash64\n    buckets: 0\n"},
		{"empty key", "keys:\n  - key: \"\"\n    hash_function: xxhash64\n"},
		{"duplicate key", "keys:\n  - key: s\n    hash_function: xxhash64\n  - key: s\n    hash_function: fnv1a64\n"},
		{"not yaml", "keys: [:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCardinalityRules([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadCardinalityRules_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "high-cardinality-context-keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keys:\n  - key: session\n    hash_function: xxhash64\n    buckets: 8\n"), 0o644))

	rules, err := LoadCardinalityRules(path)
	require.NoError(t, err)
	assert.True(t, rules.IsHighCardinality("session"))
}

func TestLoadCardinalityRules_MissingFile(t *testing.T) {
	_, err := LoadCardinalityRules(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestCardinalityRules_NilIsEmpty(t *testing.T) {
	var rules *CardinalityRules
	assert.Equal(t, 0, rules.Len())
	assert.Nil(t, rules.Keys())
	assert.False(t, rules.IsHighCardinality("session"))
	assert.Equal(t, "v", rules.transform("session", "v"))
}

func TestCardinalityRules_BucketIsDeterministic(t *testing.T) {
	buckets := uint64(97)
	rules, err := NewCardinalityRules([]CardinalityRule{{Key: "session", HashFunction: HashFNV1a64, Buckets: &buckets}})
	require.NoError(t, err)

	a, _ := rules.Bucket("session", "9d4e843379ad4adb")
	b, _ := rules.Bucket("session", "9d4e843379ad4adb")
	assert.Equal(t, a, b)
	assert.Less(t, a, buckets)
}

func TestValidHashFunctionNames_Sorted(t *testing.T) {
	assert.Equal(t, []string{"fnv1a64", "xxhash64"}, ValidHashFunctionNames())
	assert.True(t, IsValidHashFunction("xxhash64"))
	assert.False(t, IsValidHashFunction("sha256"))
}
