package proxy

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy/lfu"
)

// Fingerprint is the cache key of one (model, context, item) triple. The
// Context half depends only on the model and the normalized context; the Item
// half hashes the item seeded with the Context half.
type Fingerprint = lfu.Key

// NormalizedContext is a request context prepared once per request: fields
// sorted by (name, value) and the digest of its canonical key encoding.
// Derive item fingerprints from it instead of re-normalizing per item.
type NormalizedContext struct {
	Model  string
	Fields []Field // raw values, sorted; this is what scorers see

	digest uint64
}

// Digest returns the 64-bit hash of the normalized context encoding.
func (nc *NormalizedContext) Digest() uint64 { return nc.digest }

// Values returns the values of all fields named name, in sorted order.
func (nc *NormalizedContext) Values(name string) []string {
	var out []string
	for _, f := range nc.Fields {
		if f.Name == name {
			out = append(out, f.Value)
		}
	}
	return out
}

// Fingerprint derives the cache key for item under this context.
func (nc *NormalizedContext) Fingerprint(item Item) Fingerprint {
	buf := make([]byte, 8, 8+len(item.ID)+16*len(item.Attributes)+8)
	binary.BigEndian.PutUint64(buf, nc.digest)
	buf = appendString(buf, item.ID)
	buf = appendFields(buf, sortFields(item.Attributes))
	return Fingerprint{Context: nc.digest, Item: xxhash.Sum64(buf)}
}

// Fingerprinter builds normalized contexts, applying high-cardinality rules to
// the key encoding. It is immutable and safe for concurrent use.
type Fingerprinter struct {
	rules *CardinalityRules
}

// NewFingerprinter returns a Fingerprinter using rules; nil means no rules.
func NewFingerprinter(rules *CardinalityRules) *Fingerprinter {
	return &Fingerprinter{rules: rules}
}

// Normalize sorts c's fields and hashes the canonical encoding of model and
// context. A nil context is the empty context.
func (f *Fingerprinter) Normalize(model string, c *Context) *NormalizedContext {
	var fields []Field
	if c != nil {
		fields = c.Fields
	}
	sorted := sortFields(fields)

	keyFields := sorted
	if f.rules.Len() > 0 {
		keyFields = make([]Field, len(sorted))
		for i, fld := range sorted {
			keyFields[i] = Field{Name: fld.Name, Value: f.rules.transform(fld.Name, fld.Value)}
		}
		// bucketed values may reorder within a name
		keyFields = sortFields(keyFields)
	}

	buf := make([]byte, 0, 64)
	buf = appendString(buf, model)
	buf = appendFields(buf, keyFields)

	return &NormalizedContext{
		Model:  model,
		Fields: sorted,
		digest: xxhash.Sum64(buf),
	}
}

// Fingerprint is the one-shot form of Normalize followed by
// NormalizedContext.Fingerprint.
func (f *Fingerprinter) Fingerprint(model string, c *Context, item Item) Fingerprint {
	return f.Normalize(model, c).Fingerprint(item)
}

// appendString writes s with a uvarint length prefix so that adjacent strings
// cannot run into each other.
func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendFields(buf []byte, fields []Field) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(fields)))
	for _, f := range fields {
		buf = appendString(buf, f.Name)
		buf = appendString(buf, f.Value)
	}
	return buf
}
