// Package keys models Ed25519 key descriptors and the ordered key sets
// carried inside dispute bundles (keys/keys.json), including their JWK
// on-the-wire representation.
package keys

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

// JWK is an Ed25519 (OKP) JSON Web Key as carried in keys/keys.json: only
// the public point, never private material — the core never persists
// signing keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// Descriptor binds a verification key to its identifier and algorithm tag,
// the in-memory counterpart of a JWK entry.
type Descriptor struct {
	Kid       string
	Alg       string
	PublicKey ed25519.PublicKey
}

// ToJWK renders d as its wire JWK form.
func (d Descriptor) ToJWK() JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(d.PublicKey),
		Kid: d.Kid,
		Alg: d.Alg,
		Use: "sig",
	}
}

// FromJWK parses a wire JWK entry into a Descriptor, rejecting anything
// that isn't an Ed25519 signing key.
func FromJWK(j JWK) (Descriptor, error) {
	if j.Kty != "OKP" || j.Crv != "Ed25519" {
		return Descriptor{}, peacerr.Newf(peacerr.EBundleKeyMissing, "unsupported key type %s/%s", j.Kty, j.Crv)
	}
	if j.Kid == "" {
		return Descriptor{}, peacerr.New(peacerr.EJWSKidMissing, "jwk missing kid")
	}
	raw, err := base64.RawURLEncoding.DecodeString(j.X)
	if err != nil {
		return Descriptor{}, peacerr.Newf(peacerr.EBundleKeyMissing, "jwk %q: x not base64url: %v", j.Kid, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return Descriptor{}, peacerr.Newf(peacerr.EBundleKeyMissing, "jwk %q: public key wrong size", j.Kid)
	}
	alg := j.Alg
	if alg == "" {
		alg = "EdDSA"
	}
	return Descriptor{Kid: j.Kid, Alg: alg, PublicKey: ed25519.PublicKey(raw)}, nil
}

// Set is an ordered list of public key descriptors with kid-indexed
// lookup; duplicate kids within a set are rejected at construction time.
type Set struct {
	order []string
	byKid map[string]Descriptor
}

// NewSet builds a Set from descriptors, returning an E_BUNDLE_KEY_MISSING-coded
// error on a repeated kid — this package has no dedicated duplicate-key
// code, so it reuses the bundle key-set error since a key set only ever
// exists scoped to a bundle — and E_JWS_KID_MISSING on an entry with an
// empty kid. An empty descriptor list yields an empty Set without error.
func NewSet(descriptors ...Descriptor) (*Set, error) {
	s := &Set{byKid: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.Kid == "" {
			return nil, peacerr.New(peacerr.EJWSKidMissing, "key set entry missing kid")
		}
		if _, exists := s.byKid[d.Kid]; exists {
			return nil, peacerr.Newf(peacerr.EBundleKeyMissing, "duplicate kid %q in key set", d.Kid)
		}
		s.byKid[d.Kid] = d
		s.order = append(s.order, d.Kid)
	}
	return s, nil
}

// Lookup returns the descriptor for kid, or false if it is not in the set.
func (s *Set) Lookup(kid string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	d, ok := s.byKid[kid]
	return d, ok
}

// Len reports the number of descriptors in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Descriptors returns the set's descriptors sorted by kid, the ordering
// every manifest.keys writer and reader must agree on.
func (s *Set) Descriptors() []Descriptor {
	if s == nil {
		return nil
	}
	kids := make([]string, len(s.order))
	copy(kids, s.order)
	sort.Strings(kids)
	out := make([]Descriptor, 0, len(kids))
	for _, kid := range kids {
		out = append(out, s.byKid[kid])
	}
	return out
}

// ManifestEntry is the lightweight {kid, alg} shape carried in
// manifest.json's keys[] array — distinct from the full JWK entries in
// keys/keys.json, which additionally carry the public point.
type ManifestEntry struct {
	Kid string `json:"kid"`
	Alg string `json:"alg"`
}

// ManifestEntries returns the set's descriptors as manifest.keys entries,
// sorted by kid.
func (s *Set) ManifestEntries() []ManifestEntry {
	descs := s.Descriptors()
	out := make([]ManifestEntry, 0, len(descs))
	for _, d := range descs {
		out = append(out, ManifestEntry{Kid: d.Kid, Alg: d.Alg})
	}
	return out
}

// keysFile is the on-disk shape of keys/keys.json.
type keysFile struct {
	Keys []JWK `json:"keys"`
}

// MarshalJSON renders the set as {"keys": [jwk, ...]} sorted by kid, with
// two-space indentation — the on-disk form of keys/keys.json.
func (s *Set) MarshalJSON() ([]byte, error) {
	descs := s.Descriptors()
	jwks := make([]JWK, 0, len(descs))
	for _, d := range descs {
		jwks = append(jwks, d.ToJWK())
	}
	return json.MarshalIndent(keysFile{Keys: jwks}, "", "  ")
}

// ParseSet parses the keys/keys.json contents into a Set.
func ParseSet(data []byte) (*Set, error) {
	var kf keysFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, peacerr.Newf(peacerr.EBundleManifestInvalid, "keys.json: %v", err)
	}
	descs := make([]Descriptor, 0, len(kf.Keys))
	for _, j := range kf.Keys {
		d, err := FromJWK(j)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return NewSet(descs...)
}
