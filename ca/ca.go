// Package ca implements the certificate-state machinery shared by
// every CA: per-hostname storage layout, key/CSR generation,
// request-tracking GC, and the Issuer extension point the concrete
// ACME and private CAs implement.
package ca

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/scmterr"
	"github.com/alxark/scmt/storage"
)

// RequestCleanupDefault is the default horizon past which a request
// marker is pruned.
const RequestCleanupDefault = 30 * 24 * time.Hour

// CertExpirationDefault is the default renewal threshold: certificates
// whose NotAfter is closer than this are reissued.
const CertExpirationDefault = 14 * 24 * time.Hour

// Issuer is the per-CA issuance extension point. ACME and private CAs
// implement it; Base implements everything else.
type Issuer interface {
	IssueCertificate(ctx context.Context, hostname string, force bool) error
	SubjectTemplate(hostname string) string
}

// Hook publishes and retracts challenge artifacts during an ACME
// issuance. The ACME CA holds one; the private CA does not need one.
type Hook interface {
	DeployChallenge(ctx context.Context, domain, tokenDigest, keyAuthorization string) error
	CleanChallenge(ctx context.Context, domain, tokenDigest string) error
	Verify(ctx context.Context, domain string) (bool, error)
	ChallengeType() string
}

// Base holds the on-storage layout conventions and lifecycle operations
// common to every CA implementation.
type Base struct {
	Domain string
	Store  storage.KV
	Logger *slog.Logger

	// RequestCleanup is the horizon past which a request marker is
	// pruned. Zero means RequestCleanupDefault.
	RequestCleanup time.Duration
	// CertExpiration is the renewal threshold. Zero means
	// CertExpirationDefault.
	CertExpiration time.Duration
	// DeleteOnNoRequests controls whether cleanup deletes a hostname's
	// subtree once it has no live request markers left.
	DeleteOnNoRequests bool

	// HTTPClient is used for chain-parent fetches.
	HTTPClient *http.Client

	tmp *tmpRoot

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// NewBase wires a Base with sane defaults for the cleanup horizons and
// the tmp-staging root.
func NewBase(domain string, store storage.KV, logger *slog.Logger, tmpDir string) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		Domain:             domain,
		Store:              store,
		Logger:             logger.With("domain", domain),
		RequestCleanup:     RequestCleanupDefault,
		CertExpiration:     CertExpirationDefault,
		DeleteOnNoRequests: true,
		HTTPClient:         &http.Client{Timeout: pemutil.ParentFetchTimeout},
		tmp:                newTmpRoot(tmpDir),
		locks:              make(map[string]*sync.Mutex),
	}
}

// lockFor returns (creating if necessary) the per-hostname mutex that
// serializes all operations on a hostname, held across a full
// issuance.
func (b *Base) lockFor(hostname string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[hostname]
	if !ok {
		l = &sync.Mutex{}
		b.locks[hostname] = l
	}
	return l
}

// WithHostLock runs fn while holding hostname's per-host mutex.
func (b *Base) WithHostLock(hostname string, fn func() error) error {
	l := b.lockFor(hostname)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Path helpers for the per-hostname on-storage layout.

func (b *Base) keyPath(hostname string) string { return storage.Join(b.Domain, hostname, "key.pem") }
func (b *Base) csrPath(hostname string) string {
	return storage.Join(b.Domain, hostname, "request.csr")
}
func (b *Base) certPath(hostname string) string { return storage.Join(b.Domain, hostname, "cert.pem") }
func (b *Base) fullchainPath(hostname string) string {
	return storage.Join(b.Domain, hostname, "fullchain.pem")
}
func (b *Base) requestsDir(hostname string) string {
	return storage.Join(b.Domain, hostname, "requests")
}
func (b *Base) requestMarker(hostname, ip string) string {
	return storage.Join(b.requestsDir(hostname), sanitizeIP(ip))
}

// sanitizeIP replaces every non-alphanumeric rune with '_' to form a
// request-marker file name.
func sanitizeIP(ip string) string {
	var b strings.Builder
	for _, r := range ip {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

// GenerateKey returns hostname's private key, generating it once on
// first call. Idempotent: algo and bits are ignored after creation.
func (b *Base) GenerateKey(ctx context.Context, hostname string, algo pemutil.Algo, bits int) ([]byte, error) {
	path := b.keyPath(hostname)
	if existing, err := b.Store.Read(ctx, path); err == nil {
		return existing, nil
	}

	key, err := pemutil.GenerateKey(algo, bits)
	if err != nil {
		return nil, scmterr.Runtimef("generating key for "+hostname, err)
	}

	if err := b.Store.Write(ctx, path, key); err != nil {
		return nil, scmterr.Runtimef("persisting key for "+hostname, err)
	}
	b.Logger.Info("generated key", "hostname", hostname, "algo", algo)
	return key, nil
}

// GetCSR returns hostname's CSR, generating it once from key.pem
// against a subject derived from subjectTemplate.
func (b *Base) GetCSR(ctx context.Context, hostname string, subjectTemplate func(string) string) ([]byte, error) {
	path := b.csrPath(hostname)
	if existing, err := b.Store.Read(ctx, path); err == nil {
		return existing, nil
	}

	key, err := b.Store.Read(ctx, b.keyPath(hostname))
	if err != nil {
		return nil, scmterr.Runtimef("reading key to generate CSR for "+hostname, err)
	}

	cn := hostname
	if subjectTemplate != nil {
		cn = subjectTemplate(hostname)
	}

	csr, err := pemutil.GenerateCSR(key, cn)
	if err != nil {
		return nil, scmterr.Runtimef("generating CSR for "+hostname, err)
	}

	if err := b.Store.Write(ctx, path, csr); err != nil {
		return nil, scmterr.Runtimef("persisting CSR for "+hostname, err)
	}
	return csr, nil
}

// CertificateExists reports whether fullchain.pem is present. Existence
// checks do not register requests; only GetCert does.
func (b *Base) CertificateExists(ctx context.Context, hostname string) bool {
	return b.Store.Exists(ctx, b.fullchainPath(hostname))
}

// GetCert returns cert.pem, registering ip's request if given.
func (b *Base) GetCert(ctx context.Context, hostname string, ip string) ([]byte, error) {
	if ip != "" {
		if err := b.RegisterRequest(ctx, hostname, ip); err != nil {
			return nil, err
		}
	}

	cert, err := b.Store.Read(ctx, b.certPath(hostname))
	if err != nil {
		return nil, scmterr.NotFoundf("no certificate for " + hostname)
	}
	return cert, nil
}

// GetFullChain returns fullchain.pem, building it from cert.pem via the
// AIA walk if absent or forceReload is set.
func (b *Base) GetFullChain(ctx context.Context, hostname string, forceReload bool) ([]byte, error) {
	path := b.fullchainPath(hostname)
	if !forceReload {
		if existing, err := b.Store.Read(ctx, path); err == nil {
			return existing, nil
		}
	}

	b.Logger.Info("building certificate chain", "hostname", hostname)
	cert, err := b.Store.Read(ctx, b.certPath(hostname))
	if err != nil {
		return nil, scmterr.NotFoundf("no certificate for " + hostname)
	}

	chain, err := pemutil.BuildChain(ctx, b.HTTPClient, cert)
	if err != nil {
		return nil, scmterr.Runtimef("building chain for "+hostname, err)
	}

	if err := b.Store.Write(ctx, path, chain); err != nil {
		return nil, scmterr.Runtimef("persisting chain for "+hostname, err)
	}
	return chain, nil
}

// RegisterRequest records that ip asked for hostname's certificate now.
func (b *Base) RegisterRequest(ctx context.Context, hostname, ip string) error {
	marker := b.requestMarker(hostname, ip)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := b.Store.Write(ctx, marker, []byte(ts)); err != nil {
		return scmterr.Runtimef("registering request for "+hostname, err)
	}
	return nil
}

// HaveRequests returns the number of live request markers for hostname.
func (b *Base) HaveRequests(ctx context.Context, hostname string) int {
	ips, err := b.Store.List(ctx, b.requestsDir(hostname))
	if err != nil {
		return 0
	}
	return len(ips)
}

// CleanupRequests deletes markers older than RequestCleanup.
func (b *Base) CleanupRequests(ctx context.Context, hostname string) {
	dir := b.requestsDir(hostname)
	ips, err := b.Store.List(ctx, dir)
	if err != nil {
		return
	}

	horizon := b.RequestCleanup
	if horizon == 0 {
		horizon = RequestCleanupDefault
	}

	for _, ip := range ips {
		markerPath := storage.Join(dir, ip)
		raw, err := b.Store.Read(ctx, markerPath)
		if err != nil {
			continue
		}
		unixTs, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			continue
		}
		ts := time.Unix(unixTs, 0)
		if time.Since(ts) > horizon {
			_ = b.Store.Delete(ctx, markerPath)
			b.Logger.Info("pruned stale request marker", "hostname", hostname, "ip", ip,
				"age_days", int(time.Since(ts).Hours()/24))
		}
	}
}

// CleanupCertificates runs the full lifecycle sweep: prune markers,
// delete hostnames with no live requests, and renew certificates
// nearing expiry. issuer is used for the force-renewal call.
func (b *Base) CleanupCertificates(ctx context.Context, issuer Issuer) {
	b.Logger.Info("running certificate cleanup", "domain", b.Domain)

	hostnames, err := b.Store.List(ctx, b.Domain)
	if err != nil {
		return
	}

	threshold := b.CertExpiration
	if threshold == 0 {
		threshold = CertExpirationDefault
	}

	for _, hostname := range hostnames {
		b.CleanupRequests(ctx, hostname)

		if b.HaveRequests(ctx, hostname) == 0 {
			if b.DeleteOnNoRequests {
				b.Logger.Info("no live requests, deleting hostname subtree", "hostname", hostname)
				_ = b.Store.Delete(ctx, storage.Join(b.Domain, hostname))
			}
			continue
		}

		cert, err := b.Store.Read(ctx, b.certPath(hostname))
		if err != nil {
			continue
		}

		info, err := pemutil.GetCertInfo(cert)
		if err != nil || info == nil {
			continue
		}

		if time.Until(info.NotAfter) < threshold {
			b.Logger.Info("certificate nearing expiry, renewing", "hostname", hostname,
				"not_after", info.NotAfter)
			if err := b.WithHostLock(hostname, func() error {
				return issuer.IssueCertificate(ctx, hostname, true)
			}); err != nil {
				b.Logger.Warn("failed to renew certificate", "hostname", hostname, "error", err)
			}
		}
	}

	b.Logger.Info("certificate cleanup finished", "domain", b.Domain)
}

// StageToTmp copies a storage path's bytes into a scratch file under the
// time-bucketed tmp root, for crypto-tool-style operations that need a
// filesystem path. Callers must remove the returned path when done (or
// rely on bucket rotation to sweep it).
func (b *Base) StageToTmp(ctx context.Context, path string) (string, error) {
	data, err := b.Store.Read(ctx, path)
	if err != nil {
		return "", err
	}
	return b.tmp.stage(data)
}

// TmpDir returns a fresh scratch directory under the current tmp bucket,
// for callers that need a whole directory, not just a file.
func (b *Base) TmpDir(name string) (string, error) {
	return b.tmp.dir(name)
}

// CopyToStorage persists the file at tmpPath into storage at path,
// optionally deleting the scratch file afterward.
func (b *Base) CopyToStorage(ctx context.Context, tmpPath, path string, deleteAfter bool) error {
	return b.tmp.copyToStorage(ctx, b.Store, tmpPath, path, deleteAfter)
}

// KeyPath, CertPath, FullChainPath expose the on-storage layout for
// callers outside this package.
func (b *Base) KeyPath(hostname string) string       { return b.keyPath(hostname) }
func (b *Base) CertPath(hostname string) string      { return b.certPath(hostname) }
func (b *Base) FullChainPath(hostname string) string { return b.fullchainPath(hostname) }

// StageKeyPath stages hostname's key.pem to a local filesystem path.
// The API server needs a real path to wrap its own listener in TLS,
// not a storage key.
func (b *Base) StageKeyPath(ctx context.Context, hostname string) (string, error) {
	return b.StageToTmp(ctx, b.keyPath(hostname))
}

// StageFullChainPath stages hostname's fullchain.pem to a local
// filesystem path.
func (b *Base) StageFullChainPath(ctx context.Context, hostname string) (string, error) {
	return b.StageToTmp(ctx, b.fullchainPath(hostname))
}
