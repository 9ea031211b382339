package keys

import (
	"crypto/ed25519"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub
}

func TestSet_DuplicateKidRejected(t *testing.T) {
	pub := mustKey(t)
	_, err := NewSet(
		Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub},
		Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub},
	)
	require.Error(t, err)
}

func TestSet_SortedByKid(t *testing.T) {
	pub := mustKey(t)
	s, err := NewSet(
		Descriptor{Kid: "key-002", Alg: "EdDSA", PublicKey: pub},
		Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub},
	)
	require.NoError(t, err)
	descs := s.Descriptors()
	require.Len(t, descs, 2)
	require.Equal(t, "key-001", descs[0].Kid)
	require.Equal(t, "key-002", descs[1].Kid)
}

func TestSet_JWKRoundTrip(t *testing.T) {
	pub := mustKey(t)
	s, err := NewSet(Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub})
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	parsed, err := ParseSet(data)
	require.NoError(t, err)
	d, ok := parsed.Lookup("key-001")
	require.True(t, ok)
	require.Equal(t, pub, d.PublicKey)
}

func TestFromJWK_RejectsWrongKeyType(t *testing.T) {
	_, err := FromJWK(JWK{Kty: "RSA", Crv: "", Kid: "k1"})
	require.Error(t, err)
}

func TestFromJWK_RejectsBadPointSize(t *testing.T) {
	_, err := FromJWK(JWK{Kty: "OKP", Crv: "Ed25519", Kid: "k1", X: "AAAA"})
	require.Error(t, err)
}
