// Package manager implements hostname routing, the issuance queue, and
// the background renewal loop: the single entry point the API server
// calls into, fanning out to whichever CA owns a hostname.
package manager

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alxark/scmt/ca"
	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/scmterr"
)

// CleanupInterval is how often the background loop sweeps every domain
// for expiring certificates and stale request markers.
const CleanupInterval = time.Hour

// QueueIdleSleep is how long the renewal loop waits when the queue is
// empty before checking again.
const QueueIdleSleep = 10 * time.Second

// DomainCA is the subset of ca.Base's promoted methods plus ca.Issuer
// that Manager needs. acmeca.CA and privateca.CA both satisfy this
// structurally by embedding *ca.Base. Exported so CA-factory code can
// name the return type.
type DomainCA interface {
	ca.Issuer
	GenerateKey(ctx context.Context, hostname string, algo pemutil.Algo, bits int) ([]byte, error)
	CertificateExists(ctx context.Context, hostname string) bool
	GetCert(ctx context.Context, hostname, ip string) ([]byte, error)
	GetFullChain(ctx context.Context, hostname string, forceReload bool) ([]byte, error)
	RegisterRequest(ctx context.Context, hostname, ip string) error
	CleanupCertificates(ctx context.Context, issuer ca.Issuer)
	WithHostLock(hostname string, fn func() error) error
	StageKeyPath(ctx context.Context, hostname string) (string, error)
	StageFullChainPath(ctx context.Context, hostname string) (string, error)
}

// CertStatus is the result Cert returns, mirroring the API response
// shape.
type CertStatus struct {
	Status    string // "pending" or "available"
	Cert      []byte
	Fullchain []byte
}

// Manager routes hostnames to the domain that owns them, queues
// first-seen issuance requests, and runs renewal/cleanup in the
// background.
type Manager struct {
	Logger *slog.Logger

	mu      sync.RWMutex
	domains map[string]DomainCA

	queue *queue

	stop chan struct{}
	done chan struct{}
}

// New builds an empty Manager. Call AddDomain for each configured
// domain before calling Run.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Logger:  logger,
		domains: make(map[string]DomainCA),
		queue:   newQueue(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddDomain registers a configured domain and the CA that issues
// certificates for it.
func (m *Manager) AddDomain(domain string, issuer DomainCA) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[domain] = issuer
	m.Logger.Info("registered domain", "domain", domain)
}

// getCA finds the domain owning hostname by longest-suffix match:
// hostname equals the domain, or ends in "."+domain.
func (m *Manager) getCA(hostname string) (DomainCA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best DomainCA
	bestLen := -1
	for domain, c := range m.domains {
		if hostname != domain && !strings.HasSuffix(hostname, "."+domain) {
			continue
		}
		if len(domain) > bestLen {
			best = c
			bestLen = len(domain)
		}
	}
	if best == nil {
		return nil, scmterr.NoCA
	}
	return best, nil
}

// GetSupportedKeysAlgo returns the fixed set of key algorithms every CA
// advertises.
func (m *Manager) GetSupportedKeysAlgo(hostname string) []pemutil.Algo {
	return pemutil.SupportedAlgos
}

// GetKey generates (or returns the existing) private key for hostname,
// under hostname's per-host lock so concurrent callers get the same key.
func (m *Manager) GetKey(ctx context.Context, hostname string, algo pemutil.Algo, bits int) ([]byte, error) {
	c, err := m.getCA(hostname)
	if err != nil {
		return nil, err
	}
	var key []byte
	err = c.WithHostLock(hostname, func() error {
		var genErr error
		key, genErr = c.GenerateKey(ctx, hostname, algo, bits)
		return genErr
	})
	return key, err
}

// KeyPath stages hostname's private key to a local filesystem path and
// returns it, used by the API server to wrap its own listener in TLS.
func (m *Manager) KeyPath(ctx context.Context, hostname string) (string, error) {
	c, err := m.getCA(hostname)
	if err != nil {
		return "", err
	}
	return c.StageKeyPath(ctx, hostname)
}

// FullChainPath stages hostname's fullchain to a local filesystem path
// and returns it.
func (m *Manager) FullChainPath(ctx context.Context, hostname string) (string, error) {
	c, err := m.getCA(hostname)
	if err != nil {
		return "", err
	}
	return c.StageFullChainPath(ctx, hostname)
}

// Cert queues hostnames with no certificate on file for issuance and
// reports them pending; for a hostname whose certificate exists it
// registers the requester's IP and returns the certificate material. Any retrieval-path error collapses to "pending" rather
// than propagating: a caller retries rather than seeing a 5xx for a
// transient storage hiccup.
func (m *Manager) Cert(ctx context.Context, hostname, ip string) (*CertStatus, error) {
	c, err := m.getCA(hostname)
	if err != nil {
		return nil, err
	}

	reqID := uuid.NewString()
	log := m.Logger.With("request_id", reqID, "hostname", hostname, "ip", ip)
	log.Info("certificate request received")

	if !c.CertificateExists(ctx, hostname) {
		log.Info("no certificate on file, queueing issuance")
		if m.queue.add(hostname) {
			log.Info("queued new issuance task")
		}
		return &CertStatus{Status: "pending"}, nil
	}

	cert, err := c.GetCert(ctx, hostname, ip)
	if err != nil {
		log.Warn("failed to read certificate, reporting pending", "error", err)
		return &CertStatus{Status: "pending"}, nil
	}

	chain, err := c.GetFullChain(ctx, hostname, false)
	if err != nil {
		log.Warn("failed to read fullchain, reporting pending", "error", err)
		return &CertStatus{Status: "pending"}, nil
	}

	return &CertStatus{Status: "available", Cert: cert, Fullchain: chain}, nil
}

// Run starts the background renewal/cleanup loop and blocks until ctx
// is canceled or Stop is called.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	m.Logger.Info("manager loop starting")

	lastCleanup := time.Time{}
	for {
		select {
		case <-ctx.Done():
			m.Logger.Info("manager loop stopped")
			return ctx.Err()
		case <-m.stop:
			m.Logger.Info("manager loop stopped")
			return nil
		default:
		}

		if time.Since(lastCleanup) > CleanupInterval {
			m.runCleanup(ctx)
			lastCleanup = time.Now()
		}

		hostname := m.queue.pop()
		if hostname == "" {
			select {
			case <-time.After(QueueIdleSleep):
			case <-ctx.Done():
				m.Logger.Info("manager loop stopped")
				return ctx.Err()
			case <-m.stop:
				m.Logger.Info("manager loop stopped")
				return nil
			}
			continue
		}

		m.issue(ctx, hostname)
	}
}

func (m *Manager) issue(ctx context.Context, hostname string) {
	c, err := m.getCA(hostname)
	if err != nil {
		m.Logger.Warn("no CA for queued hostname", "hostname", hostname, "error", err)
		return
	}

	err = c.WithHostLock(hostname, func() error {
		return c.IssueCertificate(ctx, hostname, false)
	})
	if err != nil {
		m.Logger.Warn("failed to issue certificate", "hostname", hostname, "error", err)
		return
	}

	if err := c.RegisterRequest(ctx, hostname, "127.0.0.1"); err != nil {
		m.Logger.Warn("failed to register initial request", "hostname", hostname, "error", err)
	}
}

// runCleanup sweeps every domain concurrently, bounded by an errgroup
// so one slow or broken domain's storage backend cannot stall the
// others.
func (m *Manager) runCleanup(ctx context.Context) {
	m.Logger.Info("starting certificate cleanup sweep")

	m.mu.RLock()
	domains := make(map[string]DomainCA, len(m.domains))
	for k, v := range m.domains {
		domains[k] = v
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for domain, c := range domains {
		domain, c := domain, c
		g.Go(func() error {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.Logger.Error("panic during cleanup", "domain", domain, "recovered", r)
					}
				}()
				c.CleanupCertificates(gctx, c)
			}()
			return nil
		})
	}
	_ = g.Wait()

	m.Logger.Info("certificate cleanup sweep finished")
}

// Stop signals Run to exit and waits for it to finish.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stop)
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Name implements the scmt-server daemon interface.
func (m *Manager) Name() string { return "manager" }

// Start implements the scmt-server daemon interface by running the loop
// in the background.
func (m *Manager) Start() error {
	go func() {
		_ = m.Run(context.Background())
	}()
	return nil
}
