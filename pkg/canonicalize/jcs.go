// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic hashing of receipts, bundle
// manifests, and verification reports.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

// Absent is the distinguished marker for a field that must be omitted
// entirely from canonicalized output, as opposed to present-with-value-null.
// Callers building a map[string]interface{} for canonicalization set a key
// to Absent — instead of simply not setting it — when "not set" must
// survive a code path that otherwise always assigns every key.
type Absent struct{}

// IsAbsent reports whether v is the Absent marker.
func IsAbsent(v interface{}) bool {
	_, ok := v.(Absent)
	return ok
}

// StripAbsent walks v and returns a copy with every map entry whose value
// is Absent removed. Null is left untouched: JCS distinguishes "absent"
// from "present and null", and only the former is stripped here.
func StripAbsent(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if IsAbsent(val) {
				continue
			}
			out[k] = StripAbsent(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = StripAbsent(val)
		}
		return out
	default:
		return v
	}
}

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with the standard library, so struct tags and
// custom MarshalJSON methods are respected, then transformed into
// canonical form by gowebpki/jcs: object keys sorted by UTF-16 code unit,
// no insignificant whitespace, numbers in shortest round-trip form,
// minimal string escapes, no HTML escaping. Callers that need
// absent-vs-null control must build v as map[string]interface{} and run it
// through StripAbsent first; JCS canonicalizes whatever JSON it is handed
// and has no concept of "absent" on its own.
func JCS(v interface{}) ([]byte, error) {
	if err := checkFinite(v); err != nil {
		return nil, err
	}
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, peacerr.Newf(peacerr.ECanonInvalidValue, "marshal: %v", err)
	}
	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, peacerr.Newf(peacerr.ECanonInvalidValue, "transform: %v", err)
	}
	return canonical, nil
}

// CanonicalHash returns the bare-hex SHA-256 digest of the canonical JSON
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the bare lowercase-hex SHA-256 digest of data — the
// form used for per-file hashes inside a bundle manifest.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form of v as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SelfDescribingHash returns "sha256:" followed by the lowercase-hex
// SHA-256 digest of data — the form used for content hashes, report
// hashes, and cross-artifact pointer references. Never interchangeable
// with the bare form returned by HashBytes.
func SelfDescribingHash(data []byte) string {
	return "sha256:" + HashBytes(data)
}

// CanonicalSelfDescribingHash returns the self-describing SHA-256 digest of
// the canonical JSON representation of v.
func CanonicalSelfDescribingHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return SelfDescribingHash(b), nil
}

// checkFinite rejects non-finite float64 values (NaN, +/-Inf) before they
// reach json.Marshal, which would otherwise return a less specific error.
// Cyclic references and map key types json.Marshal cannot render are
// rejected by json.Marshal itself; those errors are normalized onto
// ECanonInvalidValue in JCS above. Integer-keyed maps are not rejected:
// json.Marshal renders their keys as strings.
func checkFinite(v interface{}) error {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return peacerr.New(peacerr.ECanonInvalidValue, "non-finite number")
		}
	case map[string]interface{}:
		for _, val := range t {
			if err := checkFinite(val); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, val := range t {
			if err := checkFinite(val); err != nil {
				return err
			}
		}
	}
	return nil
}
