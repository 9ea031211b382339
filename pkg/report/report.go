// Package report assembles the deterministic verification report that
// summarizes a dispute bundle's cryptographic and semantic validity for an
// offline auditor.
package report

import (
	"crypto/ed25519"
	"fmt"
	"sort"
	"time"

	"github.com/mindburnlabs/peac-bundle/pkg/bundle"
	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
	"github.com/mindburnlabs/peac-bundle/pkg/receipt"
)

// ReportVersion is the only format tag this package writes.
const ReportVersion = "peac-verification-report/0.1"

const verifyClockSkew = 300 * time.Second

// Options are the inputs to Verify.
type Options struct {
	Offline bool
	Now     func() time.Time
}

// SignatureResult describes the archive's own authenticity signature.
type SignatureResult struct {
	Present bool   `json:"present"`
	Valid   bool   `json:"valid"`
	KeyID   string `json:"key_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReceiptResult is one entry of the report's receipts array.
type ReceiptResult struct {
	ReceiptID      string                 `json:"receipt_id"`
	SignatureValid bool                   `json:"signature_valid"`
	ClaimsValid    bool                   `json:"claims_valid"`
	KeyID          string                 `json:"key_id,omitempty"`
	Errors         []string               `json:"errors,omitempty"`
	Claims         map[string]interface{} `json:"claims,omitempty"`
}

// KeyUsage is one entry of the report's keys_used table.
type KeyUsage struct {
	Kid            string   `json:"kid"`
	ReceiptsSigned int      `json:"receipts_signed"`
	ReceiptIDs     []string `json:"receipt_ids"`
}

// Summary is the report's machine-readable headline counters.
type Summary struct {
	TotalReceipts int `json:"total_receipts"`
	Valid         int `json:"valid"`
}

// AuditorSummary is the report's human-facing summary.
type AuditorSummary struct {
	Headline       string   `json:"headline"`
	Issues         []string `json:"issues"`
	Recommendation string   `json:"recommendation"`
}

// VerificationReport is the full output of Verify: the bundle's own
// signature status, a per-receipt breakdown, a key-usage table, and a
// human-facing auditor summary.
type VerificationReport struct {
	Version         string          `json:"version"`
	BundleID        string          `json:"bundle_id"`
	ContentHash     string          `json:"content_hash"`
	BundleSignature SignatureResult `json:"bundle_signature"`
	Receipts        []ReceiptResult `json:"receipts"`
	KeysUsed        []KeyUsage      `json:"keys_used"`
	Summary         Summary         `json:"summary"`
	AuditorSummary  AuditorSummary  `json:"auditor_summary"`
	ReportHash      string          `json:"report_hash,omitempty"`
}

// Verify reads archive, checks the bundle signature and every receipt it
// references, and returns a deterministic report: the same archive and
// opts.Now always produce byte-identical output.
func Verify(archive []byte, opts Options) (*VerificationReport, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	contents, err := bundle.Read(archive, bundle.ReadOptions{})
	if err != nil {
		return nil, err
	}

	sigResult := verifyBundleSignature(contents)

	results := make([]ReceiptResult, 0, len(contents.Manifest.Receipts))
	usage := make(map[string]*KeyUsage)

	for _, entry := range contents.Manifest.Receipts {
		rr := ReceiptResult{ReceiptID: entry.ReceiptID}

		compact, ok := contents.Receipts[entry.ReceiptID]
		if !ok {
			rr.Errors = append(rr.Errors, peacerr.EBundleReceiptNotFound)
			results = append(results, rr)
			continue
		}

		decoded, decodeErr := jws.DecodeUnverified(compact)
		if decodeErr != nil {
			rr.Errors = append(rr.Errors, peacerr.Code(decodeErr))
			results = append(results, rr)
			continue
		}

		kid := decoded.Header.Kid
		rr.KeyID = kid
		descriptor, found := contents.Keys.Lookup(kid)
		if !found {
			// Every key is resolved from the bundle's own key set; a
			// missing kid is always fatal for this receipt since there
			// is no external fetch to fall back to.
			rr.Errors = append(rr.Errors, peacerr.EBundleKeyMissing)
			results = append(results, rr)
			continue
		}

		rr.SignatureValid = verifySignature(compact, descriptor.PublicKey)
		if !rr.SignatureValid {
			rr.Errors = append(rr.Errors, peacerr.EReceiptSignatureInvalid)
		}

		claimsErrors, claims := validateClaims(decoded.Payload, now())
		rr.Errors = append(rr.Errors, claimsErrors...)
		rr.ClaimsValid = len(claimsErrors) == 0
		if rr.ClaimsValid {
			rr.Claims = claims
		}

		if rr.SignatureValid {
			u, ok := usage[kid]
			if !ok {
				u = &KeyUsage{Kid: kid}
				usage[kid] = u
			}
			u.ReceiptsSigned++
			u.ReceiptIDs = append(u.ReceiptIDs, entry.ReceiptID)
		}

		results = append(results, rr)
	}

	// Step 4: sort per-receipt records by receipt_id.
	sort.Slice(results, func(i, j int) bool { return results[i].ReceiptID < results[j].ReceiptID })

	// Step 5: key-usage table sorted by kid.
	keysUsed := make([]KeyUsage, 0, len(usage))
	for _, u := range usage {
		sort.Strings(u.ReceiptIDs)
		keysUsed = append(keysUsed, *u)
	}
	sort.Slice(keysUsed, func(i, j int) bool { return keysUsed[i].Kid < keysUsed[j].Kid })

	// Step 6: auditor summary.
	total := len(results)
	valid := 0
	var issues []string
	for _, r := range results {
		if r.SignatureValid && r.ClaimsValid {
			valid++
		} else {
			issues = append(issues, fmt.Sprintf("Receipt %s: %s", r.ReceiptID, joinErrors(r.Errors)))
		}
	}
	sort.Strings(issues)

	recommendation := "needs_review"
	switch {
	case valid == total:
		recommendation = "valid"
	case valid == 0:
		recommendation = "invalid"
	}

	report := &VerificationReport{
		Version:         ReportVersion,
		BundleID:        contents.Manifest.BundleID,
		ContentHash:     contents.Manifest.ContentHash,
		BundleSignature: sigResult,
		Receipts:        results,
		KeysUsed:        keysUsed,
		Summary:         Summary{TotalReceipts: total, Valid: valid},
		AuditorSummary: AuditorSummary{
			Headline:       fmt.Sprintf("%d/%d receipts valid", valid, total),
			Issues:         issuesOrEmpty(issues),
			Recommendation: recommendation,
		},
	}

	// Step 7: strip absent, compute + insert report_hash.
	hash, err := canonicalize.CanonicalSelfDescribingHash(reportToValue(report, false))
	if err != nil {
		return nil, peacerr.Newf(peacerr.EBundleInvalidFormat, "compute report_hash: %v", err)
	}
	report.ReportHash = hash

	return report, nil
}

func issuesOrEmpty(issues []string) []string {
	if issues == nil {
		return []string{}
	}
	return issues
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += ", "
		}
		out += e
	}
	return out
}

func verifyBundleSignature(contents *bundle.Contents) SignatureResult {
	if contents.BundleSig == "" {
		return SignatureResult{Present: false}
	}
	decoded, err := jws.DecodeUnverified(contents.BundleSig)
	if err != nil {
		return SignatureResult{Present: true, Valid: false, Error: peacerr.Code(err)}
	}
	descriptor, found := contents.Keys.Lookup(decoded.Header.Kid)
	if !found {
		return SignatureResult{Present: true, Valid: false, KeyID: decoded.Header.Kid, Error: peacerr.EBundleKeyMissing}
	}
	if _, err := jws.Verify(contents.BundleSig, descriptor.PublicKey); err != nil {
		return SignatureResult{Present: true, Valid: false, KeyID: decoded.Header.Kid, Error: peacerr.EBundleSignatureInvalid}
	}
	if ch, _ := decoded.Payload["content_hash"].(string); ch != contents.Manifest.ContentHash {
		return SignatureResult{Present: true, Valid: false, KeyID: decoded.Header.Kid, Error: peacerr.EBundleHashMismatch}
	}
	return SignatureResult{Present: true, Valid: true, KeyID: decoded.Header.Kid}
}

func verifySignature(compact string, pub ed25519.PublicKey) bool {
	_, err := jws.Verify(compact, pub)
	return err == nil
}

func validateClaims(payload map[string]interface{}, now time.Time) ([]string, map[string]interface{}) {
	var errs []string

	if _, ok := payload["jti"]; !ok {
		if _, ok := payload["rid"]; !ok {
			errs = append(errs, peacerr.EReceiptClaimsInvalid)
		}
	}
	if s, ok := payload["iss"].(string); !ok || s == "" {
		errs = append(errs, peacerr.EReceiptClaimsInvalid)
	}
	iatRaw, hasIat := payload["iat"]
	if !hasIat {
		errs = append(errs, peacerr.EReceiptClaimsInvalid)
	}

	nowUnix := now.Unix()
	if hasIat {
		iat := toInt64(iatRaw)
		if iat > nowUnix+int64(verifyClockSkew/time.Second) {
			errs = append(errs, peacerr.EReceiptNotYetValid)
		}
	}
	if expRaw, ok := payload["exp"]; ok {
		exp := toInt64(expRaw)
		if exp < nowUnix {
			errs = append(errs, peacerr.EReceiptExpired)
		}
	}

	if len(errs) > 0 {
		return errs, nil
	}

	parsed, _, err := receipt.Parse(payload)
	if err != nil {
		return []string{peacerr.EReceiptClaimsInvalid}, nil
	}
	claims, err := receipt.Normalize(parsed)
	if err != nil {
		return []string{peacerr.EReceiptClaimsInvalid}, nil
	}
	return nil, claimsToValue(claims)
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	}
	return 0
}

func claimsToValue(c receipt.Claims) map[string]interface{} {
	m := map[string]interface{}{
		"iss": c.Iss,
		"aud": c.Aud,
		"rid": c.Rid,
		"iat": c.Iat,
	}
	if c.Exp != 0 {
		m["exp"] = c.Exp
	}
	if c.IsCommerce() {
		m["amt"] = c.Amt
		m["cur"] = c.Cur
	}
	if c.Subject != nil {
		m["subject"] = map[string]interface{}{"uri": c.Subject.URI}
	}
	return m
}

// reportToValue renders r into the map form used for canonicalization,
// omitting report_hash when includeHash is false — report_hash must be
// computed over the report with itself absent, then inserted.
func reportToValue(r *VerificationReport, includeHash bool) map[string]interface{} {
	receiptsVal := make([]interface{}, 0, len(r.Receipts))
	for _, rr := range r.Receipts {
		rv := map[string]interface{}{
			"receipt_id":      rr.ReceiptID,
			"signature_valid": rr.SignatureValid,
			"claims_valid":    rr.ClaimsValid,
		}
		if rr.KeyID != "" {
			rv["key_id"] = rr.KeyID
		}
		if len(rr.Errors) > 0 {
			errVals := make([]interface{}, len(rr.Errors))
			for i, e := range rr.Errors {
				errVals[i] = e
			}
			rv["errors"] = errVals
		}
		if rr.Claims != nil {
			rv["claims"] = rr.Claims
		}
		receiptsVal = append(receiptsVal, rv)
	}

	keysVal := make([]interface{}, 0, len(r.KeysUsed))
	for _, k := range r.KeysUsed {
		ids := make([]interface{}, len(k.ReceiptIDs))
		for i, id := range k.ReceiptIDs {
			ids[i] = id
		}
		keysVal = append(keysVal, map[string]interface{}{
			"kid":             k.Kid,
			"receipts_signed": k.ReceiptsSigned,
			"receipt_ids":     ids,
		})
	}

	issuesVal := make([]interface{}, len(r.AuditorSummary.Issues))
	for i, issue := range r.AuditorSummary.Issues {
		issuesVal[i] = issue
	}

	sigVal := map[string]interface{}{
		"present": r.BundleSignature.Present,
		"valid":   r.BundleSignature.Valid,
	}
	if r.BundleSignature.KeyID != "" {
		sigVal["key_id"] = r.BundleSignature.KeyID
	}
	if r.BundleSignature.Error != "" {
		sigVal["error"] = r.BundleSignature.Error
	}

	v := map[string]interface{}{
		"version":          r.Version,
		"bundle_id":        r.BundleID,
		"content_hash":     r.ContentHash,
		"bundle_signature": sigVal,
		"receipts":         receiptsVal,
		"keys_used":        keysVal,
		"summary": map[string]interface{}{
			"total_receipts": r.Summary.TotalReceipts,
			"valid":          r.Summary.Valid,
		},
		"auditor_summary": map[string]interface{}{
			"headline":       r.AuditorSummary.Headline,
			"issues":         issuesVal,
			"recommendation": r.AuditorSummary.Recommendation,
		},
	}
	if includeHash && r.ReportHash != "" {
		v["report_hash"] = r.ReportHash
	}
	return v
}
