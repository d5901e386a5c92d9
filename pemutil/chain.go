package pemutil

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxChainDepth bounds the AIA walk in BuildChain so a misconfigured
// intermediate cannot recurse forever.
const MaxChainDepth = 8

// ParentFetchTimeout bounds each CA-Issuers HTTP GET.
const ParentFetchTimeout = 10 * time.Second

// CertInfo is the subset of an X.509 certificate the base CA and the
// chain builder need.
type CertInfo struct {
	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
	CAIssuer  string // first AIA CA Issuers URL, or "" if none
}

// pemCertPrefix distinguishes a PEM-framed certificate body from raw
// DER.
const pemCertPrefix = "-----BEGIN CERTIFICATE-----"

// IsPEM reports whether body already carries PEM certificate framing.
func IsPEM(body []byte) bool {
	return bytes.HasPrefix(body, []byte(pemCertPrefix))
}

// Convert2PEM wraps a DER certificate body in PEM framing with
// 64-column base64. If body is already PEM, it is returned unchanged.
func Convert2PEM(body []byte) []byte {
	if IsPEM(body) {
		return body
	}

	encoded := base64.StdEncoding.EncodeToString(body)

	var buf bytes.Buffer
	buf.WriteString(pemCertPrefix)
	buf.WriteByte('\n')
	for len(encoded) > 0 {
		n := 64
		if n > len(encoded) {
			n = len(encoded)
		}
		buf.WriteString(encoded[:n])
		buf.WriteByte('\n')
		encoded = encoded[n:]
	}
	buf.WriteString("-----END CERTIFICATE-----\n")
	return buf.Bytes()
}

// GetCertInfo extracts the fields the chain builder and renewal check
// need from a PEM-encoded certificate. Malformed input yields
// (nil, nil), not an error: callers treat an unparseable certificate
// as "no information" and move on.
func GetCertInfo(certPEM []byte) (*CertInfo, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil
	}

	info := &CertInfo{
		Subject:   cert.Subject.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
	if len(cert.IssuingCertificateURL) > 0 {
		info.CAIssuer = cert.IssuingCertificateURL[0]
	}
	return info, nil
}

// BuildChain walks the AIA "CA Issuers" URLs starting from leaf (a PEM
// end-entity certificate) and concatenates every fetched parent, PEM
// framing any DER bodies, stopping when a certificate declares no
// issuer URL or MaxChainDepth is reached.
func BuildChain(ctx context.Context, client *http.Client, leaf []byte) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: ParentFetchTimeout}
	}

	var out bytes.Buffer
	seenSubjects := make(map[string]struct{})

	current := leaf
	for depth := 0; depth < MaxChainDepth; depth++ {
		out.Write(current)

		info, err := GetCertInfo(current)
		if err != nil {
			return out.Bytes(), err
		}
		if info == nil {
			break
		}
		if info.CAIssuer == "" {
			break
		}
		if _, seen := seenSubjects[info.Subject]; seen {
			// Misconfigured intermediate pointing back at itself.
			break
		}
		seenSubjects[info.Subject] = struct{}{}

		parentCtx, cancel := context.WithTimeout(ctx, ParentFetchTimeout)
		body, err := fetchParent(parentCtx, client, info.CAIssuer)
		cancel()
		if err != nil {
			return out.Bytes(), fmt.Errorf("fetching parent certificate %s: %w", info.CAIssuer, err)
		}

		current = Convert2PEM(body)
	}

	return out.Bytes(), nil
}

func fetchParent(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	r := bufio.NewReader(io.LimitReader(resp.Body, 1<<20))
	return io.ReadAll(r)
}
