// Package receipt implements the discriminated commerce/attestation
// receipt schema, its compact-JWS issuance, and local verification with
// time and binding checks.
package receipt

import (
	"crypto/ed25519"
	"time"

	"github.com/google/uuid"

	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/jws"
	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

// Variant tags the two receipt shapes the schema discriminates between.
type Variant string

const (
	Commerce    Variant = "commerce"
	Attestation Variant = "attestation"
)

// Payment carries the commerce-only payment fields.
type Payment struct {
	Rail      string  `json:"rail"`
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// Subject optionally narrows a receipt to a specific resource URI.
type Subject struct {
	URI string `json:"uri"`
}

// Claims is the normalized flat shape produced by Normalize: its allowed
// keys are exactly {iss, aud, rid, iat, exp, amt, cur, payment, subject,
// control}.
type Claims struct {
	Iss     string                 `json:"iss"`
	Aud     string                 `json:"aud"`
	Rid     string                 `json:"rid"`
	Iat     int64                  `json:"iat"`
	Exp     int64                  `json:"exp,omitempty"`
	Amt     float64                `json:"amt,omitempty"`
	Cur     string                 `json:"cur,omitempty"`
	Payment *Payment               `json:"payment,omitempty"`
	Subject *Subject               `json:"subject,omitempty"`
	Control map[string]interface{} `json:"control,omitempty"`
}

// IsCommerce reports the discrimination rule: presence of any of
// {amt, cur, payment} selects the commerce variant.
func (c Claims) IsCommerce() bool {
	return c.Amt != 0 || c.Cur != "" || c.Payment != nil
}

// Variant returns the discriminated tag for c.
func (c Claims) Variant() Variant {
	if c.IsCommerce() {
		return Commerce
	}
	return Attestation
}

// Parsed is the result of Parse: the discriminated tag plus the raw claim
// map it was built from, ready for Normalize.
type Parsed struct {
	Variant Variant
	Raw     map[string]interface{}
}

// Issue is one field-level parse problem. Parse accumulates at most
// maxParseIssues of these before giving up.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

const maxParseIssues = 25

// Parse classifies a raw JSON payload object by the commerce/attestation
// discrimination rule and validates it against the matching branch schema.
// jti is accepted as an alias for rid on read; Parse never writes jti back.
func Parse(raw map[string]interface{}) (Parsed, []Issue, error) {
	variant := Attestation
	if _, ok := raw["amt"]; ok {
		variant = Commerce
	}
	if _, ok := raw["cur"]; ok {
		variant = Commerce
	}
	if _, ok := raw["payment"]; ok {
		variant = Commerce
	}

	var issues []Issue
	addIssue := func(path, msg string) {
		if len(issues) < maxParseIssues {
			issues = append(issues, Issue{Path: path, Message: msg})
		}
	}

	requireString := func(key string) {
		v, ok := raw[key]
		if !ok {
			addIssue(key, "missing")
			return
		}
		if s, ok := v.(string); !ok || s == "" {
			addIssue(key, "must be a non-empty string")
		}
	}
	requireNumber := func(key string) {
		if _, ok := raw[key]; !ok {
			addIssue(key, "missing")
		}
	}

	requireString("iss")
	requireString("aud")
	requireNumber("iat")
	if _, hasRid := raw["rid"]; !hasRid {
		if _, hasJti := raw["jti"]; !hasJti {
			addIssue("rid", "missing (rid or jti required)")
		}
	}

	switch variant {
	case Commerce:
		requireNumber("amt")
		requireString("cur")
		if pv, ok := raw["payment"]; !ok {
			addIssue("payment", "missing")
		} else if pm, ok := pv.(map[string]interface{}); !ok {
			addIssue("payment", "must be an object")
		} else {
			for _, k := range []string{"rail", "reference", "currency"} {
				if s, ok := pm[k].(string); !ok || s == "" {
					addIssue("payment."+k, "must be a non-empty string")
				}
			}
			if _, ok := pm["amount"]; !ok {
				addIssue("payment.amount", "missing")
			}
		}
		if len(issues) > 0 {
			return Parsed{}, issues, peacerr.New(peacerr.EParseCommerceInvalid, "commerce receipt failed schema validation")
		}
	case Attestation:
		if _, ok := raw["amt"]; ok {
			addIssue("amt", "forbidden on attestation receipts")
		}
		if _, ok := raw["cur"]; ok {
			addIssue("cur", "forbidden on attestation receipts")
		}
		if _, ok := raw["payment"]; ok {
			addIssue("payment", "forbidden on attestation receipts")
		}
		if len(issues) > 0 {
			return Parsed{}, issues, peacerr.New(peacerr.EParseAttestationInvalid, "attestation receipt failed schema validation")
		}
	}

	return Parsed{Variant: variant, Raw: raw}, nil, nil
}

// Normalize implements to_core_claims: it is idempotent and total on
// well-formed parsed inputs, producing the flat Claims shape. Attestation
// receipts map sub -> subject.uri and omit amt/cur/payment.
func Normalize(p Parsed) (Claims, error) {
	raw := p.Raw
	c := Claims{}

	if s, ok := raw["iss"].(string); ok {
		c.Iss = s
	}
	if s, ok := raw["aud"].(string); ok {
		c.Aud = s
	}
	c.Rid = stringOr(raw["rid"], stringOr(raw["jti"], ""))
	c.Iat = int64Of(raw["iat"])
	if v, ok := raw["exp"]; ok {
		c.Exp = int64Of(v)
	}
	if ctl, ok := raw["control"].(map[string]interface{}); ok {
		c.Control = ctl
	}

	switch p.Variant {
	case Commerce:
		c.Amt = floatOf(raw["amt"])
		if s, ok := raw["cur"].(string); ok {
			c.Cur = s
		}
		if pm, ok := raw["payment"].(map[string]interface{}); ok {
			c.Payment = &Payment{
				Rail:      stringOr(pm["rail"], ""),
				Reference: stringOr(pm["reference"], ""),
				Amount:    floatOf(pm["amount"]),
				Currency:  stringOr(pm["currency"], ""),
			}
		}
		if sub, ok := raw["subject"].(map[string]interface{}); ok {
			c.Subject = &Subject{URI: stringOr(sub["uri"], "")}
		}
	case Attestation:
		if sub, ok := raw["sub"].(string); ok && sub != "" {
			c.Subject = &Subject{URI: sub}
		} else if sub, ok := raw["subject"].(map[string]interface{}); ok {
			c.Subject = &Subject{URI: stringOr(sub["uri"], "")}
		}
	}

	return c, nil
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func floatOf(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}

func int64Of(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	}
	return 0
}

// IssueOptions are the inputs to Issue. Issue only builds commerce
// receipts; attestation receipts arrive pre-formed and go through
// VerifyLocal, never Issue.
type IssueOptions struct {
	Iss         string
	Aud         string
	Amt         float64
	Cur         string
	Rail        string
	Reference   string
	SubjectURI  string
	Exp         int64
	Control     map[string]interface{}
	SigningKey  ed25519.PrivateKey
	Kid         string
	Clock       func() time.Time
	OnIssued    func(TelemetryEvent)
}

// TelemetryEvent is delivered to IssueOptions.OnIssued after a successful
// issuance. The hook is invoked only on success and is infallible: a
// panicking hook never affects Issue's outcome.
type TelemetryEvent struct {
	ReceiptHash string
	Issuer      string
	Kid         string
	DurationMs  int64
}

// Issue composes and signs a commerce receipt.
func Issue(opts IssueOptions) (string, Claims, error) {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	start := clock()

	if opts.SigningKey == nil {
		return "", Claims{}, peacerr.New(peacerr.EJWSMalformed, "signing key required")
	}
	if opts.Kid == "" {
		return "", Claims{}, peacerr.New(peacerr.EJWSKidMissing, "kid required")
	}

	rid, err := uuid.NewV7()
	if err != nil {
		return "", Claims{}, peacerr.Newf(peacerr.EParseCommerceInvalid, "generate rid: %v", err)
	}

	claims := Claims{
		Iss: opts.Iss,
		Aud: opts.Aud,
		Rid: rid.String(),
		Iat: start.Unix(),
		Amt: opts.Amt,
		Cur: opts.Cur,
		Payment: &Payment{
			Rail:      opts.Rail,
			Reference: opts.Reference,
			Amount:    opts.Amt,
			Currency:  opts.Cur,
		},
		Control: opts.Control,
	}
	if opts.Exp != 0 {
		claims.Exp = opts.Exp
	}
	if opts.SubjectURI != "" {
		claims.Subject = &Subject{URI: opts.SubjectURI}
	}

	payload := claimsToMap(claims)
	compact, err := jws.Sign(payload, opts.SigningKey, opts.Kid, jws.TypReceipt)
	if err != nil {
		return "", Claims{}, err
	}

	if opts.OnIssued != nil {
		invokeTelemetry(opts.OnIssued, claims, compact, opts.Kid, clock().Sub(start))
	}

	return compact, claims, nil
}

// invokeTelemetry runs the caller's hook with a recover guard: a
// panicking hook must not affect Issue's already-successful outcome.
func invokeTelemetry(hook func(TelemetryEvent), claims Claims, compact string, kid string, dur time.Duration) {
	defer func() { _ = recover() }()
	hash, err := canonicalize.CanonicalSelfDescribingHash(claimsToMap(claims))
	if err != nil {
		hash = ""
	}
	_ = compact
	hook(TelemetryEvent{
		ReceiptHash: hash,
		Issuer:      claims.Iss,
		Kid:         kid,
		DurationMs:  dur.Milliseconds(),
	})
}

func claimsToMap(c Claims) map[string]interface{} {
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
		if c.Payment != nil {
			m["payment"] = map[string]interface{}{
				"rail":      c.Payment.Rail,
				"reference": c.Payment.Reference,
				"amount":    c.Payment.Amount,
				"currency":  c.Payment.Currency,
			}
		}
	}
	if c.Subject != nil {
		m["subject"] = map[string]interface{}{"uri": c.Subject.URI}
	}
	if c.Control != nil {
		m["control"] = c.Control
	}
	return canonicalize.StripAbsent(m)
}

// VerifyOptions are the inputs to VerifyLocal.
type VerifyOptions struct {
	Issuer        string
	Audience      string
	SubjectURI    string
	Rid           string
	Now           func() time.Time
	MaxClockSkew  time.Duration
	RequireExp    bool
}

// defaultMaxClockSkew is the default tolerance for iat/exp clock drift
// between issuer and verifier.
const defaultMaxClockSkew = 300 * time.Second

// Result is returned by VerifyLocal on success: {variant, claims, kid}.
type Result struct {
	Variant Variant
	Claims  Claims
	Kid     string
}

// VerifyLocal runs the ordered check table (signature, issuer, audience,
// subject, receipt id, expiry presence, clock skew) against a compact
// JWS and a public key, the first failure winning.
func VerifyLocal(compact string, pub ed25519.PublicKey, opts VerifyOptions) (Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	skew := opts.MaxClockSkew
	if skew == 0 {
		skew = defaultMaxClockSkew
	}

	decoded, err := jws.Verify(compact, pub)
	if err != nil {
		code := peacerr.Code(err)
		if code == peacerr.EJWSSignatureInvalid {
			return Result{}, peacerr.New(peacerr.EInvalidSignature, "signature verification failed")
		}
		return Result{}, peacerr.Newf(peacerr.EInvalidFormat, "jws: %v", err)
	}

	parsed, issues, err := Parse(decoded.Payload)
	if err != nil {
		return Result{}, peacerr.New(peacerr.EInvalidFormat, "payload failed schema validation").
			WithDetails(map[string]interface{}{"parse_code": peacerr.Code(err), "issues": issues})
	}
	claims, err := Normalize(parsed)
	if err != nil {
		return Result{}, peacerr.Newf(peacerr.EInvalidFormat, "normalize: %v", err)
	}

	if opts.Issuer != "" && claims.Iss != opts.Issuer {
		return Result{}, peacerr.Newf(peacerr.EInvalidIssuer, "iss %q does not match expected %q", claims.Iss, opts.Issuer)
	}
	if opts.Audience != "" && claims.Aud != opts.Audience {
		return Result{}, peacerr.Newf(peacerr.EInvalidAudience, "aud %q does not match expected %q", claims.Aud, opts.Audience)
	}
	if opts.SubjectURI != "" {
		var got string
		if claims.Subject != nil {
			got = claims.Subject.URI
		}
		if got != opts.SubjectURI {
			return Result{}, peacerr.Newf(peacerr.EInvalidSubject, "subject %q does not match expected %q", got, opts.SubjectURI)
		}
	}
	if opts.Rid != "" && claims.Rid != opts.Rid {
		return Result{}, peacerr.Newf(peacerr.EInvalidReceiptID, "rid %q does not match expected %q", claims.Rid, opts.Rid)
	}
	if opts.RequireExp && claims.Exp == 0 {
		return Result{}, peacerr.New(peacerr.EMissingExp, "exp required but absent")
	}

	nowUnix := now().Unix()
	skewSec := int64(skew / time.Second)
	if claims.Iat > nowUnix+skewSec {
		return Result{}, peacerr.Newf(peacerr.ENotYetValid, "iat %d is beyond now+skew %d", claims.Iat, nowUnix+skewSec)
	}
	if claims.Exp != 0 && claims.Exp < nowUnix-skewSec {
		return Result{}, peacerr.Newf(peacerr.EExpired, "exp %d is before now-skew %d", claims.Exp, nowUnix-skewSec)
	}

	return Result{Variant: parsed.Variant, Claims: claims, Kid: decoded.Header.Kid}, nil
}
