package report

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindburnlabs/peac-bundle/pkg/bundle"
	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/keys"
)

func signReceipt(t *testing.T, priv ed25519.PrivateKey, kid string, payload map[string]interface{}) string {
	t.Helper()
	compact, err := jws.Sign(payload, priv, kid, jws.TypReceipt)
	require.NoError(t, err)
	return compact
}

// TestVerify_TwoReceiptBundleBothValid exercises scenario A.
func TestVerify_TwoReceiptBundleBothValid(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks, err := keys.NewSet(
		keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1},
		keys.Descriptor{Kid: "key-002", Alg: "EdDSA", PublicKey: pub2},
	)
	require.NoError(t, err)

	r1 := signReceipt(t, priv1, "key-001", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-001", "iat": int64(1704067200),
	})
	r2 := signReceipt(t, priv2, "key-002", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-002", "iat": int64(1704153600),
	})

	archive, err := bundle.Write(bundle.WriteOptions{
		Kind:      bundle.KindDispute,
		CreatedBy: "https://auditor.example.com",
		Receipts:  []string{r1, r2},
		Keys:      ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
	})
	require.NoError(t, err)

	rep, err := Verify(archive, Options{Offline: true, Now: func() time.Time { return time.Unix(1704200000, 0).UTC() }})
	require.NoError(t, err)

	require.Equal(t, 2, rep.Summary.TotalReceipts)
	require.Equal(t, 2, rep.Summary.Valid)
	require.Equal(t, "2/2 receipts valid", rep.AuditorSummary.Headline)
	require.Equal(t, "valid", rep.AuditorSummary.Recommendation)
	require.Len(t, rep.KeysUsed, 2)
	require.Equal(t, 71, len(rep.ReportHash))
}

// TestVerify_MissingKey exercises scenario B.
func TestVerify_MissingKey(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, privUnknown, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks, err := keys.NewSet(keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1})
	require.NoError(t, err)

	rBad := signReceipt(t, privUnknown, "key-unknown", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-001", "iat": int64(1704067200),
	})

	archive, err := bundle.Write(bundle.WriteOptions{
		Kind: bundle.KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{rBad}, Keys: ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
	})
	require.NoError(t, err)

	rep, err := Verify(archive, Options{Offline: true})
	require.NoError(t, err)
	require.Equal(t, "invalid", rep.AuditorSummary.Recommendation)
	require.Contains(t, rep.Receipts[0].Errors, "E_BUNDLE_KEY_MISSING")
}

// TestVerify_ExpiredReceipt exercises scenario C.
func TestVerify_ExpiredReceipt(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ks, err := keys.NewSet(keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1})
	require.NoError(t, err)

	now := int64(1704067200)
	r := signReceipt(t, priv1, "key-001", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-001", "iat": now - 7200, "exp": now - 3600,
	})

	archive, err := bundle.Write(bundle.WriteOptions{
		Kind: bundle.KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{r}, Keys: ks,
		CreatedAt: time.Unix(now, 0).UTC(),
	})
	require.NoError(t, err)

	rep, err := Verify(archive, Options{Offline: true, Now: func() time.Time { return time.Unix(now, 0).UTC() }})
	require.NoError(t, err)
	require.Equal(t, "invalid", rep.AuditorSummary.Recommendation)
	require.Contains(t, rep.Receipts[0].Errors, "E_RECEIPT_EXPIRED")
}

// TestVerify_MixedResults exercises scenario D.
func TestVerify_MixedResults(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ks, err := keys.NewSet(keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1})
	require.NoError(t, err)

	now := int64(1704067200)
	valid := signReceipt(t, priv1, "key-001", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-good", "iat": now,
	})
	expired := signReceipt(t, priv1, "key-001", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-bad", "iat": now - 7200, "exp": now - 3600,
	})

	archive, err := bundle.Write(bundle.WriteOptions{
		Kind: bundle.KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{valid, expired}, Keys: ks,
		CreatedAt: time.Unix(now, 0).UTC(),
	})
	require.NoError(t, err)

	rep, err := Verify(archive, Options{Offline: true, Now: func() time.Time { return time.Unix(now, 0).UTC() }})
	require.NoError(t, err)
	require.Equal(t, "needs_review", rep.AuditorSummary.Recommendation)
	require.Len(t, rep.AuditorSummary.Issues, 1)
}

func TestVerify_SignatureTampering(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ks, err := keys.NewSet(keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1})
	require.NoError(t, err)

	r := signReceipt(t, priv1, "key-001", map[string]interface{}{
		"iss": "https://issuer.example.com", "aud": "https://auditor.example.com",
		"rid": "receipt-001", "iat": int64(1704067200),
	})
	tampered := r[:len(r)-1] + flipChar(r[len(r)-1])

	archive, err := bundle.Write(bundle.WriteOptions{
		Kind: bundle.KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{tampered}, Keys: ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
	})
	require.NoError(t, err)

	rep, err := Verify(archive, Options{Offline: true})
	require.NoError(t, err)
	require.Contains(t, rep.Receipts[0].Errors, "E_RECEIPT_SIGNATURE_INVALID")
	require.NotEqual(t, "valid", rep.AuditorSummary.Recommendation)
}

func flipChar(b byte) string {
	if b == 'A' {
		return "B"
	}
	return "A"
}
