// Package jws implements the compact JSON Web Signature primitive used to
// carry receipts and bundle signatures: Ed25519 keypair generation, strict
// three-segment encode/decode, and sign/verify over JCS-canonicalized
// payloads.
package jws

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/mindburnlabs/peac-bundle/pkg/canonicalize"
	"github.com/mindburnlabs/peac-bundle/pkg/peacerr"
)

// Alg is the only signature algorithm this package speaks.
const Alg = "EdDSA"

// Well-known typ values for the two payload shapes this module signs.
const (
	TypReceipt   = "peac-receipt/0.1"
	TypBundleSig = "peac-bundle-sig/0.1"
)

// Header is the compact JWS protected header. Field order here is cosmetic;
// on the wire the header is canonicalized like any other payload.
type Header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Typ string `json:"typ"`
}

// Decoded is the result of a successful Verify: the parsed header and the
// payload's JSON object form.
type Decoded struct {
	Header  Header
	Payload map[string]interface{}
}

// GenerateKeypair returns a fresh Ed25519 signing key and its matching
// public verification key.
func GenerateKeypair() (priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	pub, priv, err = ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, nil, peacerr.Newf(peacerr.EJWSMalformed, "generate keypair: %v", err)
	}
	return priv, pub, nil
}

// Sign canonicalizes payload via pkg/canonicalize, builds the header
// {alg: EdDSA, kid, typ}, and returns the compact JWS
// "<header_b64>.<payload_b64>.<sig_b64>", all segments unpadded base64url.
func Sign(payload interface{}, priv ed25519.PrivateKey, kid, typ string) (string, error) {
	if kid == "" {
		return "", peacerr.New(peacerr.EJWSKidMissing, "kid must not be empty")
	}
	headerBytes, err := canonicalize.JCS(Header{Alg: Alg, Kid: kid, Typ: typ})
	if err != nil {
		return "", peacerr.Newf(peacerr.EJWSHeaderInvalid, "canonicalize header: %v", err)
	}
	payloadBytes, err := canonicalize.JCS(payload)
	if err != nil {
		return "", peacerr.Newf(peacerr.EJWSPayloadInvalid, "canonicalize payload: %v", err)
	}
	headerSeg := encodeSegment(headerBytes)
	payloadSeg := encodeSegment(payloadBytes)
	signingInput := headerSeg + "." + payloadSeg
	sig := ed25519.Sign(priv, []byte(signingInput))
	return signingInput + "." + encodeSegment(sig), nil
}

// Verify enforces the strict header policy: exactly three segments; header
// decodes to valid JSON; alg == "EdDSA"; kid present and non-empty; payload
// decodes to a JSON object; signature verifies against pub over
// "<header_b64>.<payload_b64>". A signature segment that is not the
// canonical encoding of its bytes (non-zero trailing bits) is rejected as
// an invalid signature, so altering any character of it fails verification.
func Verify(compact string, pub ed25519.PublicKey) (*Decoded, error) {
	decoded, signingInput, sig, err := decodeUnverified(compact)
	if err != nil {
		return nil, err
	}
	sigSeg := strings.TrimRight(compact[strings.LastIndex(compact, ".")+1:], "=")
	if sigSeg != encodeSegment(sig) {
		return nil, peacerr.New(peacerr.EJWSSignatureInvalid, "signature segment is not canonically encoded")
	}
	if len(pub) != ed25519.PublicKeySize || !ed25519.Verify(pub, []byte(signingInput), sig) {
		return nil, peacerr.New(peacerr.EJWSSignatureInvalid, "signature verification failed")
	}
	return decoded, nil
}

// DecodeUnverified parses compact into its header and payload without
// checking the signature. It exists for callers that need to inspect
// receipt shape before any verification key is in scope, and must not be
// used as a substitute for Verify when authenticity matters.
func DecodeUnverified(compact string) (*Decoded, error) {
	decoded, _, _, err := decodeUnverified(compact)
	return decoded, err
}

func decodeUnverified(compact string) (*Decoded, string, []byte, error) {
	parts := strings.Split(compact, ".")
	if len(parts) != 3 {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSMalformed, "expected 3 segments, got %d", len(parts))
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	headerBytes, err := decodeSegment(headerSeg)
	if err != nil {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSMalformed, "header not base64url: %v", err)
	}
	payloadBytes, err := decodeSegment(payloadSeg)
	if err != nil {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSMalformed, "payload not base64url: %v", err)
	}
	sig, err := decodeSegment(sigSeg)
	if err != nil {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSMalformed, "signature not base64url: %v", err)
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSHeaderInvalid, "header not valid JSON: %v", err)
	}
	if header.Alg != Alg {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSAlgUnsupported, "unsupported alg %q", header.Alg)
	}
	if header.Kid == "" {
		return nil, "", nil, peacerr.New(peacerr.EJWSKidMissing, "kid missing or empty")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, "", nil, peacerr.Newf(peacerr.EJWSPayloadInvalid, "payload not a JSON object: %v", err)
	}

	signingInput := headerSeg + "." + payloadSeg
	return &Decoded{Header: header, Payload: payload}, signingInput, sig, nil
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeSegment tolerates both padded and unpadded base64url input on
// decode; Sign never emits padding.
func decodeSegment(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
