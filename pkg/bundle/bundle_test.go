package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/keys"
)

// appendTraversalEntry rewrites archive with an extra entry whose path
// escapes the virtual root, for exercising the zip-slip rejection path.
// It leaves the original entries untouched.
func appendTraversalEntry(t *testing.T, archive []byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		w, err := zw.CreateHeader(&f.FileHeader)
		require.NoError(t, err)
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = w.ReadFrom(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
	}
	evil, err := zw.Create("../evil.txt")
	require.NoError(t, err)
	_, err = evil.Write([]byte("escaped"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func issueTestReceipt(t *testing.T, priv ed25519.PrivateKey, kid, rid string, iat int64) string {
	t.Helper()
	payload := map[string]interface{}{
		"iss": "https://issuer.example.com",
		"aud": "https://auditor.example.com",
		"rid": rid,
		"iat": iat,
	}
	compact, err := jws.Sign(payload, priv, kid, jws.TypReceipt)
	require.NoError(t, err)
	return compact
}

func twoKeyBundleInputs(t *testing.T) (string, string, *keys.Set, ed25519.PrivateKey, ed25519.PrivateKey) {
	t.Helper()
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ks, err := keys.NewSet(
		keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1},
		keys.Descriptor{Kid: "key-002", Alg: "EdDSA", PublicKey: pub2},
	)
	require.NoError(t, err)

	r1 := issueTestReceipt(t, priv1, "key-001", "receipt-001", 1704067200)
	r2 := issueTestReceipt(t, priv2, "key-002", "receipt-002", 1704153600)
	_ = ks
	return r1, r2, ks, priv1, priv2
}

func TestWriteRead_RoundTrip(t *testing.T) {
	r1, r2, ks, _, _ := twoKeyBundleInputs(t)

	archive, err := Write(WriteOptions{
		Kind:      KindDispute,
		CreatedBy: "https://auditor.example.com",
		Receipts:  []string{r1, r2},
		Keys:      ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
		BundleID:  "01ARZ3NDEKTSV4RRFFQ69G5FAV",
	})
	require.NoError(t, err)
	require.NotEmpty(t, archive)

	contents, err := Read(archive, ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, len(contents.Receipts))
	require.Equal(t, ManifestVersion, contents.Manifest.Version)
}

func TestWrite_ContentHashStability(t *testing.T) {
	r1, r2, ks, _, _ := twoKeyBundleInputs(t)
	opts := WriteOptions{
		Kind:      KindDispute,
		CreatedBy: "https://auditor.example.com",
		Receipts:  []string{r1, r2},
		Keys:      ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
		BundleID:  "01ARZ3NDEKTSV4RRFFQ69G5FAV",
	}
	a1, err := Write(opts)
	require.NoError(t, err)
	a2, err := Write(opts)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
}

func TestWrite_MissingReceipts(t *testing.T) {
	_, _, ks, _, _ := twoKeyBundleInputs(t)
	_, err := Write(WriteOptions{Keys: ks})
	require.Error(t, err)
}

func TestWrite_DuplicateReceiptRejected(t *testing.T) {
	r1, _, ks, _, _ := twoKeyBundleInputs(t)
	_, err := Write(WriteOptions{Keys: ks, Receipts: []string{r1, r1}})
	require.Error(t, err)
}

func TestRead_ZipSlipRejected(t *testing.T) {
	r1, r2, ks, _, _ := twoKeyBundleInputs(t)
	archive, err := Write(WriteOptions{
		Kind: KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{r1, r2}, Keys: ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
	})
	require.NoError(t, err)

	tampered := appendTraversalEntry(t, archive)
	_, err = Read(tampered, ReadOptions{})
	require.Error(t, err)
}

func TestRead_SortCorrectness(t *testing.T) {
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	ks, err := keys.NewSet(keys.Descriptor{Kid: "key-001", Alg: "EdDSA", PublicKey: pub1})
	require.NoError(t, err)

	rz := issueTestReceipt(t, priv1, "key-001", "receipt-zzz", 1704067200)
	ra := issueTestReceipt(t, priv1, "key-001", "receipt-aaa", 1704067200)
	rm := issueTestReceipt(t, priv1, "key-001", "receipt-mmm", 1704067200)

	archive, err := Write(WriteOptions{
		Kind: KindDispute, CreatedBy: "https://auditor.example.com",
		Receipts: []string{rz, ra, rm}, Keys: ks,
		CreatedAt: time.Unix(1704200000, 0).UTC(),
	})
	require.NoError(t, err)

	contents, err := Read(archive, ReadOptions{})
	require.NoError(t, err)
	ids := make([]string, len(contents.Manifest.Receipts))
	for i, e := range contents.Manifest.Receipts {
		ids[i] = e.ReceiptID
	}
	require.Equal(t, []string{"receipt-aaa", "receipt-mmm", "receipt-zzz"}, ids)
}
