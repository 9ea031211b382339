package bundle

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/keys"
	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

const (
	maxEntries           = 10000
	maxEntryUncompressed = 64 << 20  // 64 MiB
	maxTotalUncompressed = 512 << 20 // 512 MiB
)

// ReadOptions are the inputs to Read.
type ReadOptions struct {
	// StrictSizeRatio, when true, additionally rejects any entry whose
	// actual decompressed size exceeds 2x its claimed size. The hard
	// caps above remain authoritative regardless of this setting.
	StrictSizeRatio bool

	Logger *slog.Logger
}

// Contents is the contents view produced by Read: {manifest, receipts,
// keys, policy?, peac_txt?, bundle_sig?}.
type Contents struct {
	Manifest  Manifest
	Receipts  map[string]string // rid -> compact JWS
	Keys      *keys.Set
	Policy    []byte
	PeacTxt   []byte
	BundleSig string
}

var allowedPrefixes = []string{"keys/", "policy/"}
var allowedLiterals = map[string]bool{
	"manifest.json":   true,
	"bundle.sig":      true,
	"receipts.ndjson": true,
}

// Read parses archive bytes into a Contents view, enforcing the DoS and
// path-safety limits and the ordered manifest/receipt/key verification
// procedure below.
func Read(archive []byte, opts ReadOptions) (*Contents, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "not a valid zip archive: %v", err)
	}
	if len(zr.File) > maxEntries {
		return nil, peacerr.Newf(peacerr.EBundleSizeExceeded, "%d entries exceeds limit of %d", len(zr.File), maxEntries)
	}

	files := make(map[string][]byte, len(zr.File))
	var totalUncompressed int64
	for _, f := range zr.File {
		if err := checkPath(f.Name); err != nil {
			return nil, err
		}
		if int64(f.UncompressedSize64) > maxEntryUncompressed {
			return nil, peacerr.Newf(peacerr.EBundleSizeExceeded, "entry %s exceeds per-entry size limit", f.Name)
		}
		data, actual, err := readEntryCapped(f, maxEntryUncompressed)
		if err != nil {
			return nil, err
		}
		if opts.StrictSizeRatio && f.UncompressedSize64 > 0 && actual > int64(f.UncompressedSize64)*2 {
			return nil, peacerr.Newf(peacerr.EBundleSizeExceeded, "entry %s decompressed beyond 2x declared size", f.Name)
		}
		totalUncompressed += actual
		if totalUncompressed > maxTotalUncompressed {
			return nil, peacerr.New(peacerr.EBundleSizeExceeded, "cumulative uncompressed size exceeds limit")
		}
		files[f.Name] = data
	}

	// Step 1: manifest.json must exist.
	manifestBytes, ok := files["manifest.json"]
	if !ok {
		return nil, peacerr.New(peacerr.EBundleManifestMissing, "manifest.json absent from archive")
	}

	// Step 2: parse and validate version.
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, peacerr.Newf(peacerr.EBundleManifestInvalid, "manifest.json: %v", err)
	}
	if manifest.Version != ManifestVersion {
		return nil, peacerr.Newf(peacerr.EBundleManifestInvalid, "unrecognized manifest version %q", manifest.Version)
	}

	// Step 3: recompute content_hash.
	claimedHash := manifest.ContentHash
	recomputed, err := manifest.ComputeContentHash()
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleManifestInvalid, "recompute content_hash: %v", err)
	}
	if claimedHash != recomputed {
		return nil, peacerr.New(peacerr.EBundleHashMismatch, "content_hash mismatch")
	}

	// Step 4: verify each files[] entry.
	for _, fe := range manifest.Files {
		data, ok := files[fe.Path]
		if !ok {
			return nil, peacerr.Newf(peacerr.EBundleHashMismatch, "manifest references missing file %s", fe.Path)
		}
		if int64(len(data)) != fe.Size {
			return nil, peacerr.Newf(peacerr.EBundleHashMismatch, "size mismatch for %s", fe.Path)
		}
		if canonicalize.HashBytes(data) != fe.SHA256 {
			return nil, peacerr.Newf(peacerr.EBundleHashMismatch, "sha256 mismatch for %s", fe.Path)
		}
	}

	// Step 5: parse receipts.ndjson, check duplicates and ordering.
	receipts := make(map[string]string)
	var prevKey [3]string
	hasPrev := false
	ndjson := files["receipts.ndjson"]
	scanner := bufio.NewScanner(bytes.NewReader(ndjson))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryUncompressed)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		decoded, err := jws.DecodeUnverified(line)
		if err != nil {
			return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "receipts.ndjson line does not parse: %v", err)
		}
		rid, ok := receiptIdentifier(decoded.Payload)
		if !ok {
			return nil, peacerr.New(peacerr.EBundleInvalidFormat, "receipt payload missing jti/rid")
		}
		if _, dup := receipts[rid]; dup {
			return nil, peacerr.Newf(peacerr.EBundleDuplicateReceipt, "duplicate receipt identifier %q", rid)
		}
		iat, _ := asInt64(decoded.Payload["iat"])
		hash := canonicalize.HashBytes([]byte(line))
		key := [3]string{formatRFC3339(iat), rid, hash}
		if hasPrev && lessKey(key, prevKey) {
			return nil, peacerr.New(peacerr.EBundleReceiptsUnordered, "receipts.ndjson is not sorted by (issued_at, rid, receipt_hash)")
		}
		prevKey = key
		hasPrev = true
		receipts[rid] = line
	}

	// Step 6: policy hash.
	if manifest.PolicyHash != "" {
		policy, ok := files["policy/policy.yaml"]
		if !ok || canonicalize.SelfDescribingHash(policy) != manifest.PolicyHash {
			return nil, peacerr.New(peacerr.EBundlePolicyHashMismatch, "policy.yaml hash mismatch")
		}
		var discard interface{}
		if err := yaml.Unmarshal(policy, &discard); err != nil {
			return nil, peacerr.Newf(peacerr.EBundlePolicyInvalid, "policy.yaml is not well-formed YAML: %v", err)
		}
	}

	// Step 7: key set and optional bundle.sig pass through unchanged.
	keySet, err := keys.ParseSet(files["keys/keys.json"])
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleMissingKeys, "keys/keys.json: %v", err)
	}

	logger.Debug("bundle read", "bundle_id", manifest.BundleID, "receipts", len(receipts))

	return &Contents{
		Manifest:  manifest,
		Receipts:  receipts,
		Keys:      keySet,
		Policy:    files["policy/policy.yaml"],
		PeacTxt:   files["policy/peac.txt"],
		BundleSig: string(files["bundle.sig"]),
	}, nil
}

func formatRFC3339(unix int64) string {
	if unix == 0 {
		return ""
	}
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func lessKey(a, b [3]string) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	if a[1] != b[1] {
		return a[1] < b[1]
	}
	return a[2] < b[2]
}

// checkPath rejects any entry whose path is not on the allow-listed set of
// prefixes/literals, or that shows any sign of traversal.
func checkPath(name string) error {
	if strings.Contains(name, "\\") || strings.Contains(name, "\x00") {
		return peacerr.Newf(peacerr.EBundlePathTraversal, "entry %q contains an illegal character", name)
	}
	normalized := strings.TrimPrefix(name, "./")
	if normalized == "." || normalized == ".." || strings.HasPrefix(normalized, "/") || strings.HasPrefix(normalized, "../") || strings.Contains(normalized, "/../") {
		return peacerr.Newf(peacerr.EBundlePathTraversal, "entry %q escapes the archive root", name)
	}
	if allowedLiterals[normalized] {
		return nil
	}
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return nil
		}
	}
	return peacerr.Newf(peacerr.EBundlePathTraversal, "entry %q is not on the allow-list", name)
}

// readEntryCapped decompresses f, aborting (zip-bomb defense) the moment
// more than maxSize bytes have been produced; at most maxSize+1 bytes are
// ever read.
func readEntryCapped(f *zip.File, maxSize int64) ([]byte, int64, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, 0, peacerr.Newf(peacerr.EBundleInvalidFormat, "open entry %s: %v", f.Name, err)
	}
	defer rc.Close()

	limited := io.LimitReader(rc, maxSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, peacerr.Newf(peacerr.EBundleInvalidFormat, "read entry %s: %v", f.Name, err)
	}
	if int64(len(data)) > maxSize {
		return nil, 0, peacerr.Newf(peacerr.EBundleSizeExceeded, "entry %s exceeds per-entry size limit", f.Name)
	}
	return data, int64(len(data)), nil
}
