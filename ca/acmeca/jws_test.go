package acmeca

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alxark/scmt/pemutil"
)

func testAccountKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyPEM, err := pemutil.GenerateKey(pemutil.AlgoRSA, 2048)
	if err != nil {
		t.Fatalf("generating account key: %v", err)
	}
	key, err := pemutil.ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("parsing account key: %v", err)
	}
	return key.(*rsa.PrivateKey)
}

func TestThumbprintStableAcrossReloads(t *testing.T) {
	keyPEM, err := pemutil.GenerateKey(pemutil.AlgoRSA, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	// Parse the same PEM twice, as two process lifetimes would.
	k1, _ := pemutil.ParsePrivateKey(keyPEM)
	k2, _ := pemutil.ParsePrivateKey(keyPEM)

	t1, err := thumbprint(k1.(*rsa.PrivateKey))
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	t2, err := thumbprint(k2.(*rsa.PrivateKey))
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	if t1 != t2 {
		t.Fatalf("thumbprint unstable: %s vs %s", t1, t2)
	}
}

func TestThumbprintCanonicalForm(t *testing.T) {
	key := testAccountKey(t)

	// RFC 7638: members e, kty, n in lexicographic order, no whitespace.
	h := accountJWK(key)
	canon, err := json.Marshal(h.JWK)
	if err != nil {
		t.Fatalf("marshaling jwk: %v", err)
	}
	s := string(canon)
	if !strings.HasPrefix(s, `{"e":"`) {
		t.Fatalf("canonical JWK must start with the e member: %s", s)
	}
	if !strings.Contains(s, `","kty":"RSA","n":"`) {
		t.Fatalf("canonical JWK member order is wrong: %s", s)
	}
	if strings.ContainsAny(s, " \n\t") {
		t.Fatalf("canonical JWK must contain no whitespace: %s", s)
	}

	want := b64(func() []byte { sum := sha256.Sum256(canon); return sum[:] }())
	got, err := thumbprint(key)
	if err != nil {
		t.Fatalf("thumbprint failed: %v", err)
	}
	if got != want {
		t.Fatalf("thumbprint %s does not match sha256 of canonical JWK %s", got, want)
	}
}

func TestB64IsRawURLEncoding(t *testing.T) {
	in := []byte{0xfb, 0xff, 0x3e, 0x00}
	out := b64(in)
	if strings.ContainsAny(out, "+/=") {
		t.Fatalf("b64 output must be unpadded URL-safe: %s", out)
	}
	back, err := base64.RawURLEncoding.DecodeString(out)
	if err != nil || string(back) != string(in) {
		t.Fatalf("b64 round trip failed: %s", out)
	}
}

func TestSignJWSEnvelope(t *testing.T) {
	key := testAccountKey(t)

	body, err := signJWS(key, "nonce-123", map[string]string{"resource": "new-reg"})
	if err != nil {
		t.Fatalf("signJWS failed: %v", err)
	}

	var envelope struct {
		Header struct {
			Alg string `json:"alg"`
			JWK struct {
				E   string `json:"e"`
				Kty string `json:"kty"`
				N   string `json:"n"`
			} `json:"jwk"`
		} `json:"header"`
		Protected string `json:"protected"`
		Payload   string `json:"payload"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}

	if envelope.Header.Alg != "RS256" {
		t.Errorf("alg = %q, want RS256", envelope.Header.Alg)
	}
	if envelope.Header.JWK.Kty != "RSA" {
		t.Errorf("kty = %q, want RSA", envelope.Header.JWK.Kty)
	}

	protectedJSON, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	if err != nil {
		t.Fatalf("decoding protected: %v", err)
	}
	var protected struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(protectedJSON, &protected); err != nil {
		t.Fatalf("parsing protected header: %v", err)
	}
	if protected.Nonce != "nonce-123" {
		t.Errorf("nonce = %q, want nonce-123", protected.Nonce)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(envelope.Payload)
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		t.Fatalf("parsing payload: %v", err)
	}
	if payload["resource"] != "new-reg" {
		t.Errorf("payload resource = %q", payload["resource"])
	}

	// Verify the signature over protected "." payload with the public key.
	digest := sha256.Sum256([]byte(envelope.Protected + "." + envelope.Payload))
	sig, err := base64.RawURLEncoding.DecodeString(envelope.Signature)
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("JWS signature does not verify: %v", err)
	}
}

func TestBigIntBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want []byte
	}{
		{0, []byte{0}},
		{1, []byte{1}},
		{65537, []byte{0x01, 0x00, 0x01}},
	}
	for _, c := range cases {
		got := bigIntBytes(c.in)
		if len(got) != len(c.want) {
			t.Errorf("bigIntBytes(%d) = %v, want %v", c.in, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("bigIntBytes(%d) = %v, want %v", c.in, got, c.want)
				break
			}
		}
	}
}
