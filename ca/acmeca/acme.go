// Package acmeca implements an ACME v1 issuer: the legacy Boulder wire
// format (new-reg/new-authz/new-cert resources, a bare JWS envelope
// with no account-URL or kid) rather than RFC 8555. go-acme/lego/v4 is
// a v2-only client, so the protocol itself is spoken directly over
// net/http; lego's certcrypto subpackage is still used for PEM
// bookkeeping elsewhere in this module.
package acmeca

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/alxark/scmt/ca"
	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/scmterr"
)

func newReader(b []byte) io.Reader { return bytes.NewReader(b) }

func readAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, 1<<20))
}

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// Directory URLs for the two Let's Encrypt v1 environments.
const (
	DirectoryProduction = "https://acme-v01.api.letsencrypt.org"
	DirectoryStaging    = "https://acme-staging.api.letsencrypt.org"
)

const (
	accountKeyBits = 4096

	// challengePollInterval is how long to sleep between challenge
	// status checks while not yet valid.
	challengePollInterval = 20 * time.Second
	// challengeTimeout bounds the whole poll loop.
	challengeTimeout = 600 * time.Second

	// rateLimitCooldown: after a 429, new issuance for a hostname with
	// no existing certificate is refused until this elapses.
	rateLimitCooldown = 12 * time.Hour
)

var tokenSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// CA is the ACME v1 issuer. It embeds ca.Base for storage/path/GC
// conventions and adds account-key bootstrap, JWS signing, and the
// challenge/poll/sign flow.
type CA struct {
	*ca.Base

	DirectoryURL string
	Hook         ca.Hook

	client *http.Client

	accountKeyPath string
	accountKey     *rsa.PrivateKey

	rateLimit rateLimitGuard
}

// New bootstraps (or loads) the ACME account key at accountKeyPath and
// registers a new account if one does not already exist.
func New(ctx context.Context, base *ca.Base, directoryURL, accountKeyPath string, hook ca.Hook) (*CA, error) {
	if directoryURL == "" {
		directoryURL = DirectoryProduction
	} else if directoryURL == "stage" {
		directoryURL = DirectoryStaging
	}

	c := &CA{
		Base:           base,
		DirectoryURL:   directoryURL,
		Hook:           hook,
		client:         &http.Client{Timeout: 30 * time.Second},
		accountKeyPath: accountKeyPath,
	}

	existing, err := base.Store.Read(ctx, accountKeyPath)
	if err == nil {
		key, err := pemutil.ParsePrivateKey(existing)
		if err != nil {
			return nil, scmterr.Runtimef("parsing existing ACME account key", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, scmterr.Runtimef("ACME account key is not RSA", nil)
		}
		c.accountKey = rsaKey
		c.Logger.Info("ACME account key already present", "ca", c.DirectoryURL)
		return c, nil
	}

	keyPEM, err := pemutil.GenerateKey(pemutil.AlgoRSA, accountKeyBits)
	if err != nil {
		return nil, scmterr.Runtimef("generating ACME account key", err)
	}
	key, err := pemutil.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, scmterr.Runtimef("parsing freshly generated account key", err)
	}
	c.accountKey = key.(*rsa.PrivateKey)

	if err := base.Store.Write(ctx, accountKeyPath, keyPEM); err != nil {
		return nil, scmterr.Runtimef("persisting ACME account key", err)
	}

	status, body, err := c.register(ctx)
	if err != nil {
		return nil, scmterr.Runtimef("registering ACME account", err)
	}
	if status != http.StatusCreated {
		return nil, scmterr.Runtimef(fmt.Sprintf("ACME account registration failed: %d %s", status, body), nil)
	}
	c.Logger.Info("registered new ACME account", "ca", c.DirectoryURL)
	return c, nil
}

// SubjectTemplate implements ca.Issuer: ACME certificates use the bare
// hostname as common name.
func (c *CA) SubjectTemplate(hostname string) string { return hostname }

// nonce fetches a fresh anti-replay nonce from the Replay-Nonce header
// of the CA's directory endpoint.
func (c *CA) nonce(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DirectoryURL+"/directory", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	n := resp.Header.Get("Replay-Nonce")
	if n == "" {
		return "", fmt.Errorf("no Replay-Nonce header from %s", c.DirectoryURL)
	}
	return n, nil
}

// request signs payload into a JWS envelope and POSTs it to url,
// returning the HTTP status and raw response body.
func (c *CA) request(ctx context.Context, url string, payload interface{}) (int, []byte, error) {
	nonce, err := c.nonce(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("fetching nonce: %w", err)
	}

	body, err := signJWS(c.accountKey, nonce, payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, newReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := readAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func (c *CA) register(ctx context.Context) (int, []byte, error) {
	return c.request(ctx, c.DirectoryURL+"/acme/new-reg", map[string]string{
		"resource":  "new-reg",
		"agreement": "https://letsencrypt.org/documents/LE-SA-v1.2-November-15-2017.pdf",
	})
}

type authzChallenge struct {
	Type  string `json:"type"`
	URI   string `json:"uri"`
	Token string `json:"token"`
}

type authzResponse struct {
	Challenges []authzChallenge `json:"challenges"`
}

type challengeStatus struct {
	Status string `json:"status"`
}

// IssueCertificate implements ca.Issuer: skip if the fullchain already
// exists (unless forced), otherwise run the full
// authorize/challenge/sign flow and persist cert.pem + fullchain.pem.
func (c *CA) IssueCertificate(ctx context.Context, hostname string, force bool) error {
	if !force && c.Base.CertificateExists(ctx, hostname) {
		c.Logger.Info("certificate already available", "hostname", hostname)
		return nil
	}

	if !c.Base.CertificateExists(ctx, hostname) && c.rateLimit.active() {
		return scmterr.RateLimited
	}

	csr, err := c.Base.GetCSR(ctx, hostname, c.SubjectTemplate)
	if err != nil {
		return err
	}

	cert, err := c.sign(ctx, hostname, csr)
	if err != nil {
		return err
	}

	if err := c.Base.Store.Write(ctx, c.Base.CertPath(hostname), cert); err != nil {
		return scmterr.Runtimef("persisting certificate for "+hostname, err)
	}
	c.Logger.Info("issued certificate", "hostname", hostname)

	_, err = c.Base.GetFullChain(ctx, hostname, true)
	return err
}

// sign runs the new-authz / challenge / poll / new-cert sequence.
func (c *CA) sign(ctx context.Context, hostname string, csrPEM []byte) ([]byte, error) {
	c.Logger.Info("signing new CSR", "hostname", hostname)

	status, body, err := c.request(ctx, c.DirectoryURL+"/acme/new-authz", map[string]interface{}{
		"resource":   "new-authz",
		"identifier": map[string]string{"type": "dns", "value": hostname},
	})
	if err != nil {
		return nil, scmterr.Runtimef("new-authz request failed", err)
	}
	if status != http.StatusCreated {
		return nil, scmterr.Runtimef(fmt.Sprintf("new-authz failed with status %d: %s", status, body), nil)
	}

	var authz authzResponse
	if err := json.Unmarshal(body, &authz); err != nil {
		return nil, scmterr.Runtimef("decoding new-authz response", err)
	}

	challengeType := c.Hook.ChallengeType()
	var chosen *authzChallenge
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == challengeType {
			chosen = &authz.Challenges[i]
			break
		}
	}
	if chosen == nil {
		return nil, scmterr.Runtimef("no "+challengeType+" challenge offered for "+hostname, nil)
	}

	thumb, err := thumbprint(c.accountKey)
	if err != nil {
		return nil, scmterr.Runtimef("computing account key thumbprint", err)
	}

	token := tokenSanitizer.ReplaceAllString(chosen.Token, "_")
	keyAuthorization := token + "." + thumb
	tokenDigest := b64(sha256Sum(keyAuthorization))

	if err := c.Hook.DeployChallenge(ctx, hostname, tokenDigest, keyAuthorization); err != nil {
		return nil, scmterr.Runtimef("deploying challenge for "+hostname, err)
	}

	status, body, err = c.request(ctx, chosen.URI, map[string]string{
		"resource":         "challenge",
		"keyAuthorization": keyAuthorization,
	})
	if err != nil {
		_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
		return nil, scmterr.Runtimef("challenge acceptance request failed", err)
	}
	if status != http.StatusAccepted && status != http.StatusOK {
		_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
		return nil, scmterr.Runtimef(fmt.Sprintf("challenge rejected with status %d: %s", status, body), nil)
	}

	completed, err := c.pollChallenge(ctx, hostname, chosen.URI)
	if err != nil {
		_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
		return nil, err
	}
	if !completed {
		_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
		return nil, scmterr.Timeoutf("challenge verification did not complete for "+hostname, nil)
	}

	c.Logger.Info("signing certificate", "hostname", hostname)
	der, err := pemutil.ParseCSRDER(csrPEM)
	if err != nil {
		_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
		return nil, scmterr.Runtimef("extracting CSR DER", err)
	}

	status, body, err = c.request(ctx, c.DirectoryURL+"/acme/new-cert", map[string]string{
		"resource": "new-cert",
		"csr":      b64(der),
	})
	_ = c.Hook.CleanChallenge(ctx, hostname, tokenDigest)
	if err != nil {
		return nil, scmterr.Runtimef("new-cert request failed", err)
	}

	if status == http.StatusTooManyRequests {
		c.rateLimit.hit()
		return nil, scmterr.RateLimited
	}
	if status != http.StatusCreated {
		return nil, scmterr.Runtimef(fmt.Sprintf("error signing certificate: %d %s", status, body), nil)
	}

	return pemutil.Convert2PEM(body), nil
}

// pollChallenge loops, sleeping challengePollInterval between checks,
// until the challenge reaches status "valid" or challengeTimeout
// elapses. Every non-valid poll sleeps before retrying; a terminal
// "invalid" status aborts immediately.
func (c *CA) pollChallenge(ctx context.Context, hostname, uri string) (bool, error) {
	deadline := time.Now().Add(challengeTimeout)
	c.Logger.Info("waiting for challenge verification", "hostname", hostname)

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return false, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			c.Logger.Warn("challenge poll request failed", "hostname", hostname, "error", err)
			sleepOrDone(ctx, challengePollInterval)
			continue
		}
		body, err := readAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			sleepOrDone(ctx, challengePollInterval)
			continue
		}

		var st challengeStatus
		if err := json.Unmarshal(body, &st); err != nil {
			sleepOrDone(ctx, challengePollInterval)
			continue
		}

		if st.Status == "valid" {
			c.Logger.Info("challenge completed", "hostname", hostname)
			return true, nil
		}
		if st.Status == "invalid" {
			return false, scmterr.Runtimef("challenge status invalid for "+hostname, nil)
		}

		c.Logger.Info("challenge not yet completed", "hostname", hostname, "status", st.Status)
		sleepOrDone(ctx, challengePollInterval)
	}
	return false, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

var _ ca.Issuer = (*CA)(nil)
