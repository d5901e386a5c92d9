// Package privateca implements the self-hosted CA: certificates signed
// locally against an operator-supplied root key and certificate, with
// fullchain.pem equal to cert.pem (no AIA walk, since there is no
// public issuer to fetch from). Signing uses crypto/x509 directly,
// reusing the pemutil primitives the ACME CA also depends on.
package privateca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/alxark/scmt/ca"
	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/scmterr"
)

// DefaultDays is the certificate lifetime when unspecified.
const DefaultDays = 365

// CA is the local (non-ACME) issuer.
type CA struct {
	*ca.Base

	Days    int
	Subject string // e.g. "%COMMONNAME%"; the rendered string is used verbatim as the CSR common name

	caKey  crypto.Signer
	caCert *x509.Certificate
}

// New loads the root key and certificate from the local filesystem
// (they are operator-provisioned, not storage-backed, since the private
// CA root never travels over the wire) and returns a ready CA.
func New(base *ca.Base, caKeyPath, caCertPath string, days int, subjectTemplate string) (*CA, error) {
	if days <= 0 {
		days = DefaultDays
	}

	keyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA key %s: %w", caKeyPath, err)
	}
	certPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate %s: %w", caCertPath, err)
	}

	key, err := pemutil.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing CA key %s: %w", caKeyPath, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("CA key %s is not usable for signing", caKeyPath)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("no PEM block in CA certificate %s", caCertPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate %s: %w", caCertPath, err)
	}

	return &CA{
		Base:    base,
		Days:    days,
		Subject: subjectTemplate,
		caKey:   signer,
		caCert:  cert,
	}, nil
}

// SubjectTemplate implements ca.Issuer, substituting %COMMONNAME% into
// the configured subject string.
func (c *CA) SubjectTemplate(hostname string) string {
	return strings.ReplaceAll(c.Subject, "%COMMONNAME%", hostname)
}

// IssueCertificate implements ca.Issuer: sign hostname's CSR against the
// root key/cert and write cert.pem and fullchain.pem (identical bytes).
func (c *CA) IssueCertificate(ctx context.Context, hostname string, force bool) error {
	if !force && c.Base.CertificateExists(ctx, hostname) {
		c.Logger.Info("certificate already available", "hostname", hostname)
		return nil
	}

	csrPEM, err := c.Base.GetCSR(ctx, hostname, c.SubjectTemplate)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return scmterr.Runtimef("no PEM block in CSR for "+hostname, nil)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return scmterr.Runtimef("parsing CSR for "+hostname, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return scmterr.Runtimef("CSR signature invalid for "+hostname, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return scmterr.Runtimef("generating certificate serial", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               csr.Subject,
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.AddDate(0, 0, c.Days),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              csr.DNSNames,
	}
	if template.Subject.CommonName == "" {
		template.Subject = pkix.Name{CommonName: hostname}
	}
	if len(template.DNSNames) == 0 {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, csr.PublicKey, c.caKey)
	if err != nil {
		return scmterr.Runtimef("signing certificate for "+hostname, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := c.Base.Store.Write(ctx, c.Base.CertPath(hostname), certPEM); err != nil {
		return scmterr.Runtimef("persisting certificate for "+hostname, err)
	}
	// fullchain == cert for the private CA: there is no public issuer
	// to walk an AIA chain against.
	if err := c.Base.Store.Write(ctx, c.Base.FullChainPath(hostname), certPEM); err != nil {
		return scmterr.Runtimef("persisting fullchain for "+hostname, err)
	}

	c.Logger.Info("issued certificate", "hostname", hostname, "not_after", template.NotAfter)
	return nil
}

var _ ca.Issuer = (*CA)(nil)
