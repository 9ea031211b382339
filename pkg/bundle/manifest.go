package bundle

import (
	"sort"

	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/keys"
)

// ManifestVersion is the only format tag this package writes or accepts.
const ManifestVersion = "peac-bundle/0.1"

// Kind enumerates the bundle.manifest.kind values.
type Kind string

const (
	KindDispute Kind = "dispute"
	KindAudit   Kind = "audit"
	KindArchive Kind = "archive"
)

// RefType enumerates manifest.refs[*].type values.
type RefType string

const (
	RefDispute   RefType = "dispute"
	RefReceipt   RefType = "receipt"
	RefAuditCase RefType = "audit_case"
	RefExternal  RefType = "external"
)

// Ref is one entry of manifest.refs.
type Ref struct {
	Type RefType `json:"type"`
	ID   string  `json:"id"`
}

// TimeRange is manifest.time_range: earliest and latest receipt iat,
// rendered as RFC 3339.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ReceiptEntry is one entry of manifest.receipts.
type ReceiptEntry struct {
	ReceiptID   string `json:"receipt_id"`
	IssuedAt    string `json:"issued_at"`
	ReceiptHash string `json:"receipt_hash"`
}

// FileEntry is one entry of manifest.files.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the bundle's top-level index. ContentHash is computed over
// every other field and then inserted; callers never set it directly.
type Manifest struct {
	Version     string               `json:"version"`
	Kind        Kind                 `json:"kind"`
	BundleID    string               `json:"bundle_id"`
	Refs        []Ref                `json:"refs"`
	CreatedBy   string               `json:"created_by"`
	CreatedAt   string               `json:"created_at"`
	TimeRange   TimeRange            `json:"time_range"`
	Receipts    []ReceiptEntry       `json:"receipts"`
	Keys        []keys.ManifestEntry `json:"keys"`
	Files       []FileEntry          `json:"files"`
	PolicyHash  string               `json:"policy_hash,omitempty"`
	PeacTxtHash string               `json:"peac_txt_hash,omitempty"`
	ContentHash string               `json:"content_hash,omitempty"`
}

// canonicalForm returns the JCS-ready map of m with content_hash always
// absent — used both to compute and to verify the content hash.
func (m Manifest) canonicalForm() map[string]interface{} {
	v := map[string]interface{}{
		"version":    m.Version,
		"kind":       string(m.Kind),
		"bundle_id":  m.BundleID,
		"refs":       refsToValue(m.Refs),
		"created_by": m.CreatedBy,
		"created_at": m.CreatedAt,
		"time_range": map[string]interface{}{"start": m.TimeRange.Start, "end": m.TimeRange.End},
		"receipts":   receiptsToValue(m.Receipts),
		"keys":       keysToValue(m.Keys),
		"files":      filesToValue(m.Files),
	}
	if m.PolicyHash != "" {
		v["policy_hash"] = m.PolicyHash
	}
	if m.PeacTxtHash != "" {
		v["peac_txt_hash"] = m.PeacTxtHash
	}
	return v
}

// ComputeContentHash returns the self-describing digest of m's canonical
// form with content_hash omitted. It must stay stable whether computed
// while building a manifest or while re-verifying one already on disk.
func (m Manifest) ComputeContentHash() (string, error) {
	return canonicalize.CanonicalSelfDescribingHash(m.canonicalForm())
}

func refsToValue(refs []Ref) []interface{} {
	out := make([]interface{}, 0, len(refs))
	for _, r := range refs {
		out = append(out, map[string]interface{}{"type": string(r.Type), "id": r.ID})
	}
	return out
}

func receiptsToValue(entries []ReceiptEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"receipt_id":   e.ReceiptID,
			"issued_at":    e.IssuedAt,
			"receipt_hash": e.ReceiptHash,
		})
	}
	return out
}

func keysToValue(entries []keys.ManifestEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{"kid": e.Kid, "alg": e.Alg})
	}
	return out
}

func filesToValue(entries []FileEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{"path": e.Path, "sha256": e.SHA256, "size": e.Size})
	}
	return out
}

// sortReceipts sorts entries by (issued_at, receipt_id, receipt_hash), the
// canonical ordering every writer and reader must agree on.
func sortReceipts(entries []ReceiptEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IssuedAt != entries[j].IssuedAt {
			return entries[i].IssuedAt < entries[j].IssuedAt
		}
		if entries[i].ReceiptID != entries[j].ReceiptID {
			return entries[i].ReceiptID < entries[j].ReceiptID
		}
		return entries[i].ReceiptHash < entries[j].ReceiptHash
	})
}

// sortFiles sorts entries by path.
func sortFiles(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
}
