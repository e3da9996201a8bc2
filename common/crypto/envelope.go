package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// envelopePrefix marks an encrypted string value inside a config document.
// The payload after the prefix is base64(nonce || ciphertext).
const envelopePrefix = "enc:v1:"

// EncryptString seals a plaintext string into the enc:v1: envelope.
func EncryptString(key []byte, plaintext string) (string, error) {
	ct, err := Encrypt(key, []byte(plaintext))
	if err != nil {
		return "", err
	}
	return envelopePrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// DecryptString opens an enc:v1: envelope. Strings without the prefix are
// returned unchanged, so callers can pass every value through.
func DecryptString(key []byte, value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	pt, err := Decrypt(key, raw)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsEncrypted reports whether the value carries the enc:v1: envelope prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

// DecryptDocument walks a decoded JSON document (maps, slices, scalars) and
// opens every enc:v1: string in place, returning a deep copy. The shape of
// the document is preserved; non-envelope values pass through untouched.
func DecryptDocument(key []byte, doc any) (any, error) {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			dec, err := DecryptDocument(key, val)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			dec, err := DecryptDocument(key, val)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = dec
		}
		return out, nil
	case string:
		return DecryptString(key, v)
	default:
		return v, nil
	}
}
