package jws

import (
	"strings"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	payload := map[string]interface{}{"iss": "https://issuer.example.com", "rid": "receipt-001"}
	compact, err := Sign(payload, priv, "key-001", TypReceipt)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if strings.Count(compact, ".") != 2 {
		t.Fatalf("expected 3 dot-separated segments, got %q", compact)
	}

	decoded, err := Verify(compact, pub)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if decoded.Header.Alg != "EdDSA" || decoded.Header.Kid != "key-001" || decoded.Header.Typ != TypReceipt {
		t.Errorf("unexpected header: %+v", decoded.Header)
	}
	if decoded.Payload["rid"] != "receipt-001" {
		t.Errorf("unexpected payload: %+v", decoded.Payload)
	}
}

func TestSign_NoPaddingInOutput(t *testing.T) {
	priv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	compact, err := Sign(map[string]interface{}{"a": 1}, priv, "k1", TypReceipt)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(compact, "=") {
		t.Errorf("encoder must not emit base64 padding: %q", compact)
	}
}

func TestSign_EmptyKid(t *testing.T) {
	priv, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	_, err = Sign(map[string]interface{}{"a": 1}, priv, "", TypReceipt)
	if err == nil {
		t.Fatal("expected error for empty kid")
	}
}

func TestVerify_WrongSegmentCount(t *testing.T) {
	_, pub, _ := GenerateKeypair()
	_, err := Verify("only.two", pub)
	if err == nil {
		t.Fatal("expected malformed error")
	}
}

func TestVerify_BadAlg(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	compact, err := Sign(map[string]interface{}{"a": 1}, priv, "k1", TypReceipt)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(compact, ".")
	badHeader := encodeSegment([]byte(`{"alg":"HS256","kid":"k1","typ":"peac-receipt/0.1"}`))
	tampered := badHeader + "." + parts[1] + "." + parts[2]
	if _, err := Verify(tampered, pub); err == nil {
		t.Fatal("expected alg-unsupported error")
	}
}

func TestVerify_TamperedSignature(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	compact, err := Sign(map[string]interface{}{"a": 1}, priv, "k1", TypReceipt)
	if err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(compact, ".")
	flipped := flipLastChar(parts[2])
	tampered := parts[0] + "." + parts[1] + "." + flipped
	if _, err := Verify(tampered, pub); err == nil {
		t.Fatal("expected signature-invalid error")
	}
}

func TestVerify_PayloadNotObject(t *testing.T) {
	priv, pub, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	header := encodeSegment([]byte(`{"alg":"EdDSA","kid":"k1","typ":"peac-receipt/0.1"}`))
	payload := encodeSegment([]byte(`[1,2,3]`))
	signingInput := header + "." + payload
	sig := make([]byte, 64)
	compact := signingInput + "." + encodeSegment(sig)
	_, err = Verify(compact, pub)
	_ = priv
	if err == nil {
		t.Fatal("expected payload-invalid error for a non-object payload")
	}
}

func flipLastChar(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}
