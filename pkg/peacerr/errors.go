// Package peacerr defines the closed error-code alphabet shared by every
// component of the receipt and dispute-bundle engine.
//
// Every public operation in this module returns (value, error) rather than
// panicking for inputs within its typed domain. A non-nil error from this
// module is always a *Error, recoverable with errors.As, carrying a stable
// Code from the alphabet below plus optional Details for diagnostics.
package peacerr

import "fmt"

// Error is the canonical error shape: a stable code, a human-readable
// message, and optional structured details. It is the Go rendering of the
// {ok:false, error:{code,message,details}} discriminated result.
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Code extracts the stable error code from err, if it is a *Error. Returns
// "" for any other error, including nil.
func Code(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return ""
	}
	return e.Code
}

// Canonicalization
const (
	ECanonInvalidValue = "E_CANON_INVALID_VALUE"
)

// JWS / crypto primitive
const (
	EJWSMalformed        = "E_JWS_MALFORMED"
	EJWSHeaderInvalid    = "E_JWS_HEADER_INVALID"
	EJWSAlgUnsupported   = "E_JWS_ALG_UNSUPPORTED"
	EJWSKidMissing       = "E_JWS_KID_MISSING"
	EJWSPayloadInvalid   = "E_JWS_PAYLOAD_INVALID"
	EJWSSignatureInvalid = "E_JWS_SIGNATURE_INVALID"
)

// Receipt schema
const (
	EParseCommerceInvalid    = "E_PARSE_COMMERCE_INVALID"
	EParseAttestationInvalid = "E_PARSE_ATTESTATION_INVALID"
)

// Receipt verify
const (
	EInvalidFormat    = "E_INVALID_FORMAT"
	EInvalidSignature = "E_INVALID_SIGNATURE"
	EInvalidIssuer    = "E_INVALID_ISSUER"
	EInvalidAudience  = "E_INVALID_AUDIENCE"
	EInvalidSubject   = "E_INVALID_SUBJECT"
	EInvalidReceiptID = "E_INVALID_RECEIPT_ID"
	EMissingExp       = "E_MISSING_EXP"
	ENotYetValid      = "E_NOT_YET_VALID"
	EExpired          = "E_EXPIRED"
)

// Bundle construction and verification
const (
	EBundleMissingReceipts    = "E_BUNDLE_MISSING_RECEIPTS"
	EBundleMissingKeys        = "E_BUNDLE_MISSING_KEYS"
	EBundleReceiptInvalid     = "E_BUNDLE_RECEIPT_INVALID"
	EBundleDuplicateReceipt   = "E_BUNDLE_DUPLICATE_RECEIPT"
	EBundleSizeExceeded       = "E_BUNDLE_SIZE_EXCEEDED"
	EBundleInvalidFormat      = "E_BUNDLE_INVALID_FORMAT"
	EBundleManifestMissing    = "E_BUNDLE_MANIFEST_MISSING"
	EBundleManifestInvalid    = "E_BUNDLE_MANIFEST_INVALID"
	EBundleHashMismatch       = "E_BUNDLE_HASH_MISMATCH"
	EBundlePathTraversal      = "E_BUNDLE_PATH_TRAVERSAL"
	EBundlePolicyHashMismatch = "E_BUNDLE_POLICY_HASH_MISMATCH"
	EBundleReceiptsUnordered  = "E_BUNDLE_RECEIPTS_UNORDERED"
	EBundleKeyMissing         = "E_BUNDLE_KEY_MISSING"
	EBundleSignatureInvalid   = "E_BUNDLE_SIGNATURE_INVALID"
	EBundleReceiptNotFound    = "E_BUNDLE_RECEIPT_NOT_FOUND"
	EBundlePolicyInvalid      = "E_BUNDLE_POLICY_INVALID"
)

// Per-receipt report errors
const (
	EReceiptSignatureInvalid = "E_RECEIPT_SIGNATURE_INVALID"
	EReceiptExpired          = "E_RECEIPT_EXPIRED"
	EReceiptNotYetValid      = "E_RECEIPT_NOT_YET_VALID"
	EReceiptClaimsInvalid    = "E_RECEIPT_CLAIMS_INVALID"
)
