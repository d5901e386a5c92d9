package acmeca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const sha256Hash = crypto.SHA256

// b64 is the unpadded URL-safe base64 encoding ACME v1 uses for every
// JWS field.
func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwk is the JSON Web Key an ACME v1 account key is represented as.
type jwk struct {
	E   string `json:"e"`
	Kty string `json:"kty"`
	N   string `json:"n"`
}

// jwsHeader is the unprotected "header" field new-reg/new-authz/etc
// requests carry, matching the raw (pre-RFC8555) ACME v1 wire format:
// no account URL, no kid, just alg+jwk inline.
type jwsHeader struct {
	Alg string `json:"alg"`
	JWK jwk    `json:"jwk"`
}

func accountJWK(key *rsa.PrivateKey) jwsHeader {
	pub := key.PublicKey
	return jwsHeader{
		Alg: "RS256",
		JWK: jwk{
			E:   b64(bigIntBytes(int64(pub.E))),
			Kty: "RSA",
			N:   b64(pub.N.Bytes()),
		},
	}
}

func bigIntBytes(e int64) []byte {
	// e is almost always 65537 (0x010001); encode the minimal big-endian
	// representation the way openssl's exponent dump does.
	if e == 0 {
		return []byte{0}
	}
	var b []byte
	for e > 0 {
		b = append([]byte{byte(e & 0xff)}, b...)
		e >>= 8
	}
	return b
}

// thumbprint computes the JWK SHA-256 thumbprint the ACME key
// authorization is built from: sort_keys JSON of {e,kty,n}, hashed.
func thumbprint(key *rsa.PrivateKey) (string, error) {
	h := accountJWK(key)
	// Field order must be alphabetical (e, kty, n) per RFC 7638. The
	// struct field order above already matches, and encoding/json
	// preserves struct field order.
	canon, err := json.Marshal(h.JWK)
	if err != nil {
		return "", fmt.Errorf("marshaling jwk for thumbprint: %w", err)
	}
	sum := sha256.Sum256(canon)
	return b64(sum[:]), nil
}

// signJWS builds the raw ACME v1 JWS envelope {header, protected,
// payload, signature} for payload, signing with key and stamping nonce
// into the protected header.
func signJWS(key *rsa.PrivateKey, nonce string, payload interface{}) ([]byte, error) {
	header := accountJWK(key)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling JWS payload: %w", err)
	}
	payload64 := b64(payloadJSON)

	protected := struct {
		Alg   string `json:"alg"`
		JWK   jwk    `json:"jwk"`
		Nonce string `json:"nonce"`
	}{Alg: header.Alg, JWK: header.JWK, Nonce: nonce}

	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, fmt.Errorf("marshaling JWS protected header: %w", err)
	}
	protected64 := b64(protectedJSON)

	signingInput := protected64 + "." + payload64
	digest := sha256.Sum256([]byte(signingInput))

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, sha256Hash, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing JWS: %w", err)
	}

	envelope := struct {
		Header    jwsHeader `json:"header"`
		Protected string    `json:"protected"`
		Payload   string    `json:"payload"`
		Signature string    `json:"signature"`
	}{
		Header:    header,
		Protected: protected64,
		Payload:   payload64,
		Signature: b64(sig),
	}

	return json.Marshal(envelope)
}
