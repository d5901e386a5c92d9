package privateca

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxark/scmt/ca"
	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/storage"
)

// writeTestRoot provisions a root key and self-signed root certificate
// on disk, the way an operator would for the private CA.
func writeTestRoot(t *testing.T) (keyPath, certPath string, rootCert *x509.Certificate) {
	t.Helper()
	dir := t.TempDir()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating root key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "scmt test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating root certificate: %v", err)
	}
	rootCert, err = x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing root certificate: %v", err)
	}

	keyPath = filepath.Join(dir, "ca.key")
	certPath = filepath.Join(dir, "ca.crt")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("writing root key: %v", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatalf("writing root cert: %v", err)
	}
	return keyPath, certPath, rootCert
}

func newTestCA(t *testing.T, subject string, days int) (*CA, *storage.Memory, *x509.Certificate) {
	t.Helper()
	keyPath, certPath, root := writeTestRoot(t)

	store := storage.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := ca.NewBase("local.test", store, logger, t.TempDir())

	c, err := New(base, keyPath, certPath, days, subject)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, store, root
}

func TestSubjectTemplate(t *testing.T) {
	c, _, _ := newTestCA(t, "/C=US/O=Example/CN=%COMMONNAME%", 0)
	got := c.SubjectTemplate("a.local.test")
	want := "/C=US/O=Example/CN=a.local.test"
	if got != want {
		t.Fatalf("SubjectTemplate = %q, want %q", got, want)
	}
}

func TestIssueCertificate(t *testing.T) {
	c, store, root := newTestCA(t, "%COMMONNAME%", 30)
	ctx := context.Background()

	if _, err := c.GenerateKey(ctx, "a.local.test", pemutil.AlgoRSA, 2048); err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if err := c.IssueCertificate(ctx, "a.local.test", false); err != nil {
		t.Fatalf("IssueCertificate failed: %v", err)
	}

	certPEM, err := store.Read(ctx, "local.test/a.local.test/cert.pem")
	if err != nil {
		t.Fatalf("reading cert.pem: %v", err)
	}
	chainPEM, err := store.Read(ctx, "local.test/a.local.test/fullchain.pem")
	if err != nil {
		t.Fatalf("reading fullchain.pem: %v", err)
	}
	if !bytes.Equal(certPEM, chainPEM) {
		t.Fatal("private CA fullchain must equal cert.pem")
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("cert.pem is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parsing issued certificate: %v", err)
	}
	if cert.Subject.CommonName != "a.local.test" {
		t.Errorf("CN = %q, want a.local.test", cert.Subject.CommonName)
	}
	if err := cert.CheckSignatureFrom(root); err != nil {
		t.Errorf("certificate is not signed by the root: %v", err)
	}

	days := int(time.Until(cert.NotAfter).Hours() / 24)
	if days < 29 || days > 30 {
		t.Errorf("validity %d days, want ~30", days)
	}
}

func TestIssueCertificateIdempotentUnlessForced(t *testing.T) {
	c, store, _ := newTestCA(t, "%COMMONNAME%", 0)
	ctx := context.Background()

	if _, err := c.GenerateKey(ctx, "a.local.test", pemutil.AlgoRSA, 2048); err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if err := c.IssueCertificate(ctx, "a.local.test", false); err != nil {
		t.Fatalf("first issuance failed: %v", err)
	}
	first, _ := store.Read(ctx, "local.test/a.local.test/cert.pem")

	if err := c.IssueCertificate(ctx, "a.local.test", false); err != nil {
		t.Fatalf("second issuance failed: %v", err)
	}
	second, _ := store.Read(ctx, "local.test/a.local.test/cert.pem")
	if !bytes.Equal(first, second) {
		t.Fatal("unforced issuance replaced an existing certificate")
	}

	if err := c.IssueCertificate(ctx, "a.local.test", true); err != nil {
		t.Fatalf("forced issuance failed: %v", err)
	}
	third, _ := store.Read(ctx, "local.test/a.local.test/cert.pem")
	if bytes.Equal(first, third) {
		t.Fatal("forced issuance did not renew the certificate")
	}
}

func TestIssueCertificateRequiresKey(t *testing.T) {
	c, _, _ := newTestCA(t, "%COMMONNAME%", 0)

	// No key.pem on storage: the CSR step must fail, not sign garbage.
	if err := c.IssueCertificate(context.Background(), "nokey.local.test", false); err == nil {
		t.Fatal("expected an error when no key exists for the hostname")
	}
}
