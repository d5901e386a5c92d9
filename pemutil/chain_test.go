package pemutil

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testCert builds a certificate signed by parent (or self-signed when
// parent is nil), returning both DER and PEM forms.
func testCert(t *testing.T, cn string, issuerURL string, parentDER []byte, parentKey *ecdsa.PrivateKey) ([]byte, []byte, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	if issuerURL != "" {
		template.IssuingCertificateURL = []string{issuerURL}
	}

	parent := template
	signKey := key
	if parentDER != nil {
		parent, err = x509.ParseCertificate(parentDER)
		if err != nil {
			t.Fatalf("parsing parent: %v", err)
		}
		signKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, signKey)
	if err != nil {
		t.Fatalf("creating test certificate: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return der, pemBytes, key
}

func TestConvert2PEMFromDER(t *testing.T) {
	der := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 40)
	out := Convert2PEM(der)

	if !bytes.HasPrefix(out, []byte("-----BEGIN CERTIFICATE-----\n")) {
		t.Fatalf("missing PEM header: %.40s", out)
	}
	if !bytes.HasSuffix(out, []byte("-----END CERTIFICATE-----\n")) {
		t.Fatalf("missing PEM footer: %s", out[len(out)-40:])
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i, line := range lines[1 : len(lines)-1] {
		if len(line) > 64 {
			t.Errorf("body line %d exceeds 64 columns: %d", i, len(line))
		}
	}

	// Round-trip: the framed body must decode back to the input.
	block, _ := pem.Decode(out)
	if block == nil {
		t.Fatal("Convert2PEM output does not decode as PEM")
	}
	if !bytes.Equal(block.Bytes, der) {
		t.Fatal("decoded body differs from the DER input")
	}
}

func TestConvert2PEMPassthrough(t *testing.T) {
	_, pemBytes, _ := testCert(t, "passthrough.test", "", nil, nil)
	if out := Convert2PEM(pemBytes); !bytes.Equal(out, pemBytes) {
		t.Fatal("already-PEM input should be returned unchanged")
	}
}

func TestGetCertInfo(t *testing.T) {
	_, pemBytes, _ := testCert(t, "info.test", "http://ca.test/parent.der", nil, nil)

	info, err := GetCertInfo(pemBytes)
	if err != nil {
		t.Fatalf("GetCertInfo failed: %v", err)
	}
	if info == nil {
		t.Fatal("expected info for a well-formed certificate")
	}
	if !strings.Contains(info.Subject, "info.test") {
		t.Errorf("subject %q does not mention CN", info.Subject)
	}
	if info.CAIssuer != "http://ca.test/parent.der" {
		t.Errorf("unexpected CA issuer URL %q", info.CAIssuer)
	}
	if !info.NotAfter.After(info.NotBefore) {
		t.Error("NotAfter should be after NotBefore")
	}
}

func TestGetCertInfoMalformed(t *testing.T) {
	for _, input := range [][]byte{
		nil,
		[]byte("not pem at all"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x01, 0x02}}),
	} {
		info, err := GetCertInfo(input)
		if err != nil || info != nil {
			t.Errorf("malformed input %.20q: expected (nil, nil), got (%v, %v)", input, info, err)
		}
	}
}

func TestBuildChainWalksAIA(t *testing.T) {
	rootDER, rootPEM, rootKey := testCert(t, "root.test", "", nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Parent bodies come back as raw DER, per the reference CAs.
		w.Write(rootDER)
	}))
	defer srv.Close()

	_, leafPEM, _ := testCert(t, "leaf.test", srv.URL+"/parent.der", rootDER, rootKey)

	chain, err := BuildChain(context.Background(), srv.Client(), leafPEM)
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}

	if !bytes.HasPrefix(chain, leafPEM) {
		t.Fatal("chain must begin with the exact leaf bytes")
	}
	if !bytes.Contains(chain, rootPEM) {
		t.Fatal("chain must contain the fetched parent, PEM-framed")
	}
	if got := bytes.Count(chain, []byte("-----BEGIN CERTIFICATE-----")); got != 2 {
		t.Fatalf("expected 2 certificates in chain, got %d", got)
	}
}

func TestBuildChainStopsOnSelfReference(t *testing.T) {
	// A certificate whose AIA points at itself must terminate on the
	// subject-DN repeat check, not loop to MaxChainDepth.
	var selfDER []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(selfDER)
	}))
	defer srv.Close()

	der, pemBytes, _ := testCert(t, "loop.test", srv.URL+"/loop.der", nil, nil)
	selfDER = der

	chain, err := BuildChain(context.Background(), srv.Client(), pemBytes)
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}
	if got := bytes.Count(chain, []byte("-----BEGIN CERTIFICATE-----")); got > 2 {
		t.Fatalf("loop was not detected, %d certificates in chain", got)
	}
}
