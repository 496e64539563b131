package pack

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Well known meta keys. Anything else in the map is caller defined and
// round-trips through the file untouched.
const (
	MetaKeyIndexType = "index_type"
	MetaKeyBuildID   = "build_id"
)

// Meta is the file level metadata stored in the reserved meta entry as
// a JSON object. It describes the artifact as a whole, not any single
// entry.
type Meta map[string]interface{}

// MetaOption mutates a Meta under construction.
type MetaOption func(Meta)

// NewMeta builds the metadata for an index artifact of the given type
// tag. Options are applied in order, so later options win on key
// collisions.
func NewMeta(indexType string, opts ...MetaOption) Meta {
	m := Meta{MetaKeyIndexType: indexType}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithBuildID records the identifier of the build that produced the
// artifact. An empty id draws a fresh random one.
func WithBuildID(id string) MetaOption {
	return func(m Meta) {
		if id == "" {
			id = uuid.New().String()
		}
		m[MetaKeyBuildID] = id
	}
}

// WithField sets an arbitrary metadata key.
func WithField(key string, value interface{}) MetaOption {
	return func(m Meta) {
		m[key] = value
	}
}

// String returns the string value stored under key, if there is one.
func (m Meta) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// encodeMeta marshals m, mapping nil to the empty JSON object so a
// file always carries a parseable meta entry.
func encodeMeta(m Meta) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta entry: %w", err)
	}
	return buf, nil
}

// decodeMeta parses the plaintext of the meta entry.
func decodeMeta(buf []byte) (Meta, error) {
	var m Meta
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("failed to decode meta entry: %w", err)
	}
	return m, nil
}
