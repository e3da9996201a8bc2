package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mcarata/blueprints/common/crypto"
)

// Document is a decoded desired-config or metadata JSON object. Handlers
// treat it as opaque beyond the keys they transform or read.
type Document map[string]any

// ParseDocument decodes a raw JSON object; nil or empty raw yields an empty
// document so handlers never branch on missing config.
func ParseDocument(raw json.RawMessage) (Document, error) {
	if len(raw) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode config document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Decrypt walks the document and decrypts every enc:v1: string field with
// the master key. A nil key with encrypted fields present is a
// configuration error, not a silent passthrough.
func (d Document) Decrypt(key []byte) (Document, error) {
	if key == nil && d.hasEncrypted() {
		return nil, fmt.Errorf("config contains encrypted fields but no master key is set")
	}
	if key == nil {
		return d.clone(), nil
	}
	out, err := crypto.DecryptDocument(key, map[string]any(d))
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return Document{}, nil
	}
	return Document(m), nil
}

func (d Document) hasEncrypted() bool {
	var walk func(v any) bool
	walk = func(v any) bool {
		switch t := v.(type) {
		case string:
			return crypto.IsEncrypted(t)
		case map[string]any:
			for _, nested := range t {
				if walk(nested) {
					return true
				}
			}
		case []any:
			for _, nested := range t {
				if walk(nested) {
					return true
				}
			}
		}
		return false
	}
	return walk(map[string]any(d))
}

func (d Document) clone() Document {
	data, _ := json.Marshal(d)
	var out Document
	_ = json.Unmarshal(data, &out)
	if out == nil {
		out = Document{}
	}
	return out
}

// String reads a nested string value by key path, returning "" when any
// segment is missing or not an object.
func (d Document) String(path ...string) string {
	cur := map[string]any(d)
	for i, key := range path {
		v, ok := cur[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			s, _ := v.(string)
			return s
		}
		next, ok := v.(map[string]any)
		if !ok {
			return ""
		}
		cur = next
	}
	return ""
}

// Map reads a nested object value, returning nil when absent.
func (d Document) Map(key string) Document {
	v, ok := d[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return Document(m)
}

// HashConfig returns a deterministic fingerprint of a raw config document.
// The raw bytes are canonicalized through a decode/encode round trip so key
// order and whitespace do not flap the hash between ticks.
func HashConfig(raw json.RawMessage) string {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	var v any
	canonical := []byte(raw)
	if err := json.Unmarshal(raw, &v); err == nil {
		if enc, err := json.Marshal(v); err == nil {
			canonical = enc
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
