// Package pemutil provides the PEM/DER/key/CSR primitives the CAs are
// built on. Key generation and CSR assembly use the crypto/x509 stack
// directly (the RSA bit-length is operator-configurable, which lego's
// certcrypto key types don't expose), while PEM parsing of private
// keys delegates to lego's certcrypto.ParsePEMPrivateKey rather than
// re-deriving the PEM-type switch by hand.
package pemutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Algo identifies a supported key algorithm.
type Algo string

const (
	AlgoRSA         Algo = "RSA"
	AlgoECSECP384R1 Algo = "EC-SECP384R1"
)

// SupportedAlgos is the fixed set every CA advertises.
var SupportedAlgos = []Algo{AlgoRSA, AlgoECSECP384R1}

// GenerateKey creates a new private key PEM for the given algo. bits is
// only meaningful for AlgoRSA.
func GenerateKey(algo Algo, bits int) ([]byte, error) {
	switch algo {
	case AlgoRSA:
		if bits <= 0 {
			bits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, fmt.Errorf("generating RSA key: %w", err)
		}
		der := x509.MarshalPKCS1PrivateKey(key)
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil

	case AlgoECSECP384R1:
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generating EC key: %w", err)
		}
		der, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("marshaling EC key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil

	default:
		return nil, fmt.Errorf("unsupported key algorithm: %q", algo)
	}
}

// ParsePrivateKey parses a PEM-encoded RSA or EC private key, the two
// forms GenerateKey produces, via lego's certcrypto helper.
func ParsePrivateKey(keyPEM []byte) (interface{}, error) {
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key PEM: %w", err)
	}
	return key, nil
}

// GenerateCSR builds a PKCS#10 CSR PEM against keyPEM with the given
// subject common name.
func GenerateCSR(keyPEM []byte, commonName string) ([]byte, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key for CSR: %w", err)
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}

	var der []byte
	switch k := key.(type) {
	case *rsa.PrivateKey:
		der, err = x509.CreateCertificateRequest(rand.Reader, template, k)
	case *ecdsa.PrivateKey:
		der, err = x509.CreateCertificateRequest(rand.Reader, template, k)
	default:
		return nil, fmt.Errorf("unsupported private key type %T for CSR", key)
	}
	if err != nil {
		return nil, fmt.Errorf("creating CSR: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ParseCSRDER parses a PEM-encoded CSR and returns the DER bytes, used
// by the ACME CA to submit new-cert requests.
func ParseCSRDER(csrPEM []byte) ([]byte, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in CSR")
	}
	if block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("unexpected PEM type %q for CSR", block.Type)
	}
	return block.Bytes, nil
}
