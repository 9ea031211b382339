package bundle

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/keys"
	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

const maxReceipts = 10000

// WriteOptions are the inputs to Write.
type WriteOptions struct {
	Kind       Kind
	Refs       []Ref
	CreatedBy  string
	Receipts   []string // compact JWS strings
	Keys       *keys.Set
	Policy     []byte
	PeacTxt    []byte
	BundleID   string
	CreatedAt  time.Time
	SigningKey ed25519.PrivateKey
	SigningKid string

	// LegacyDisputeRef is reserved for the deprecated dispute_ref scalar.
	// Write ignores it: the manifest never carries a dispute_ref field, and
	// refs[] is the only reference list written.
	LegacyDisputeRef string

	Logger *slog.Logger
}

// Write builds a deterministic dispute bundle and returns the ZIP archive
// bytes. Two calls with equivalent options that set BundleID and CreatedAt
// produce byte-identical output; when either is left empty it is filled
// from a fresh ULID or the current time, and the output differs per call.
func Write(opts WriteOptions) ([]byte, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	if err := validatePreconditions(opts); err != nil {
		return nil, err
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	bundleID := opts.BundleID
	if bundleID == "" {
		bundleID = ulid.Make().String()
	}

	// Step 1: extract {receipt_id, iat, receipt_hash} per receipt.
	type extracted struct {
		entry ReceiptEntry
		jws   string
		iat   int64
	}
	extractedEntries := make([]extracted, 0, len(opts.Receipts))
	seen := make(map[string]bool, len(opts.Receipts))
	for _, compact := range opts.Receipts {
		decoded, err := jws.DecodeUnverified(compact)
		if err != nil {
			return nil, peacerr.Newf(peacerr.EBundleReceiptInvalid, "receipt does not parse as compact JWS: %v", err)
		}
		rid, ok := receiptIdentifier(decoded.Payload)
		if !ok {
			return nil, peacerr.New(peacerr.EBundleReceiptInvalid, "receipt payload missing jti/rid")
		}
		iatRaw, ok := decoded.Payload["iat"]
		if !ok {
			return nil, peacerr.New(peacerr.EBundleReceiptInvalid, "receipt payload missing iat")
		}
		iat, ok := asInt64(iatRaw)
		if !ok {
			return nil, peacerr.New(peacerr.EBundleReceiptInvalid, "receipt iat is not a number")
		}
		if seen[rid] {
			return nil, peacerr.Newf(peacerr.EBundleDuplicateReceipt, "duplicate receipt identifier %q", rid)
		}
		seen[rid] = true

		hash := canonicalize.HashBytes([]byte(compact))
		extractedEntries = append(extractedEntries, extracted{
			entry: ReceiptEntry{ReceiptID: rid, IssuedAt: time.Unix(iat, 0).UTC().Format(time.RFC3339), ReceiptHash: hash},
			jws:   compact,
			iat:   iat,
		})
	}

	// Step 2: sort by (issued_at, receipt_id, receipt_hash).
	sort.Slice(extractedEntries, func(i, j int) bool {
		a, b := extractedEntries[i].entry, extractedEntries[j].entry
		if a.IssuedAt != b.IssuedAt {
			return a.IssuedAt < b.IssuedAt
		}
		if a.ReceiptID != b.ReceiptID {
			return a.ReceiptID < b.ReceiptID
		}
		return a.ReceiptHash < b.ReceiptHash
	})

	receiptEntries := make([]ReceiptEntry, 0, len(extractedEntries))
	var minIat, maxIat int64
	for i, e := range extractedEntries {
		receiptEntries = append(receiptEntries, e.entry)
		if i == 0 || e.iat < minIat {
			minIat = e.iat
		}
		if i == 0 || e.iat > maxIat {
			maxIat = e.iat
		}
	}

	// Step 3: receipts.ndjson.
	var ndjson bytes.Buffer
	for _, e := range extractedEntries {
		ndjson.WriteString(e.jws)
		ndjson.WriteByte('\n')
	}

	// Step 4: keys/keys.json.
	keysJSON, err := opts.Keys.MarshalJSON()
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleMissingKeys, "marshal keys: %v", err)
	}

	// Step 5: optional policy bytes.
	files := map[string][]byte{
		"receipts.ndjson": ndjson.Bytes(),
		"keys/keys.json":  keysJSON,
	}
	var policyHash, peacTxtHash string
	if opts.Policy != nil {
		var discard interface{}
		if err := yaml.Unmarshal(opts.Policy, &discard); err != nil {
			return nil, peacerr.Newf(peacerr.EBundlePolicyInvalid, "policy.yaml is not well-formed YAML: %v", err)
		}
		files["policy/policy.yaml"] = opts.Policy
		policyHash = canonicalize.SelfDescribingHash(opts.Policy)
	}
	if opts.PeacTxt != nil {
		files["policy/peac.txt"] = opts.PeacTxt
		peacTxtHash = canonicalize.SelfDescribingHash(opts.PeacTxt)
	}

	// Step 6: files[] (everything except manifest.json and bundle.sig).
	fileEntries := make([]FileEntry, 0, len(files))
	for path, data := range files {
		fileEntries = append(fileEntries, FileEntry{Path: path, SHA256: canonicalize.HashBytes(data), Size: int64(len(data))})
	}
	sortFiles(fileEntries)

	// Step 7-8: assemble manifest, compute + insert content_hash.
	manifest := Manifest{
		Version:   ManifestVersion,
		Kind:      opts.Kind,
		BundleID:  bundleID,
		Refs:      opts.Refs,
		CreatedBy: opts.CreatedBy,
		CreatedAt: createdAt.Format(time.RFC3339),
		TimeRange: TimeRange{
			Start: time.Unix(minIat, 0).UTC().Format(time.RFC3339),
			End:   time.Unix(maxIat, 0).UTC().Format(time.RFC3339),
		},
		Receipts:    receiptEntries,
		Keys:        opts.Keys.ManifestEntries(),
		Files:       fileEntries,
		PolicyHash:  policyHash,
		PeacTxtHash: peacTxtHash,
	}
	contentHash, err := manifest.ComputeContentHash()
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "compute content_hash: %v", err)
	}
	manifest.ContentHash = contentHash

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "marshal manifest: %v", err)
	}
	files["manifest.json"] = manifestJSON

	// Step 9: optional bundle.sig, signing {content_hash}.
	if opts.SigningKey != nil {
		if opts.SigningKid == "" {
			return nil, peacerr.New(peacerr.EJWSKidMissing, "signing_kid required when signing_key is set")
		}
		sig, err := jws.Sign(map[string]interface{}{"content_hash": contentHash}, opts.SigningKey, opts.SigningKid, jws.TypBundleSig)
		if err != nil {
			return nil, err
		}
		files["bundle.sig"] = []byte(sig)
	}

	logger.Debug("bundle write", "bundle_id", bundleID, "receipts", len(receiptEntries), "files", len(fileEntries))

	return buildZip(files)
}

func validatePreconditions(opts WriteOptions) error {
	if len(opts.Receipts) == 0 {
		return peacerr.New(peacerr.EBundleMissingReceipts, "at least one receipt is required")
	}
	if len(opts.Receipts) > maxReceipts {
		return peacerr.Newf(peacerr.EBundleSizeExceeded, "%d receipts exceeds limit of %d", len(opts.Receipts), maxReceipts)
	}
	if opts.Keys == nil || opts.Keys.Len() == 0 {
		return peacerr.New(peacerr.EBundleMissingKeys, "at least one key is required")
	}
	return nil
}

func receiptIdentifier(payload map[string]interface{}) (string, bool) {
	if rid, ok := payload["rid"].(string); ok && rid != "" {
		return rid, true
	}
	if jti, ok := payload["jti"].(string); ok && jti != "" {
		return jti, true
	}
	return "", false
}

func asInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

// buildZip emits a deterministic stored-entry ZIP: every entry uncompressed
// and stripped of all timestamp/OS metadata, manifest.json first, remaining
// entries sorted by path. Two calls with the same files map always produce
// byte-identical output.
func buildZip(files map[string][]byte) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == "manifest.json" {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	ordered := append([]string{"manifest.json"}, paths...)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, path := range ordered {
		hdr := &zip.FileHeader{Name: path, Method: zip.Store}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "create entry %s: %v", path, err)
		}
		if _, err := fw.Write(files[path]); err != nil {
			return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "write entry %s: %v", path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "close archive: %v", err)
	}
	return buf.Bytes(), nil
}
