// Package dnshook implements the dns-01 validation hook: a
// CloudFlare-backed TXT record under _acme-challenge, polled for
// propagation before the ACME CA is told the challenge is ready.
package dnshook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/miekg/dns"
	"golang.org/x/net/publicsuffix"

	"github.com/alxark/scmt/hook"
)

// PropagationTimeout bounds how long DeployChallenge waits for the TXT
// record to show up on the configured resolvers.
const PropagationTimeout = 30 * time.Minute

// PropagationPoll is the interval between propagation checks, after an
// initial settle delay following record creation.
const PropagationPoll = 30 * time.Second

const initialSettleDelay = 10 * time.Second

// Hook implements ca.Hook against the CloudFlare DNS API.
type Hook struct {
	api       *cloudflare.API
	Resolvers []string // defaults to net's system resolver if empty
	Logger    *slog.Logger

	mu        sync.Mutex
	zoneCache map[string]string
}

// New builds a Hook authenticated with a CloudFlare Global API Key
// (email + key).
func New(email, apiKey string, resolvers []string, logger *slog.Logger) (*Hook, error) {
	api, err := cloudflare.New(apiKey, email)
	if err != nil {
		return nil, fmt.Errorf("building CloudFlare client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		api:       api,
		Resolvers: resolvers,
		Logger:    logger,
		zoneCache: make(map[string]string),
	}, nil
}

// ChallengeType implements ca.Hook.
func (h *Hook) ChallengeType() string { return hook.ChallengeTypeDNS01 }

func (h *Hook) zoneID(ctx context.Context, domain string) (string, error) {
	tld, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return "", fmt.Errorf("computing registrable domain for %s: %w", domain, err)
	}

	h.mu.Lock()
	if id, ok := h.zoneCache[tld]; ok {
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()

	id, err := h.api.ZoneIDByName(tld)
	if err != nil {
		return "", fmt.Errorf("looking up zone ID for %s: %w", tld, err)
	}

	h.mu.Lock()
	h.zoneCache[tld] = id
	h.mu.Unlock()

	h.Logger.Info("resolved zone", "domain", domain, "tld", tld, "zone_id", id)
	return id, nil
}

func challengeName(domain string) string {
	return "_acme-challenge." + domain
}

// DeployChallenge creates the TXT record and blocks until it is
// observable on the configured resolvers or PropagationTimeout elapses.
func (h *Hook) DeployChallenge(ctx context.Context, domain, tokenDigest, keyAuthorization string) error {
	zoneID, err := h.zoneID(ctx, domain)
	if err != nil {
		return err
	}

	name := challengeName(domain)
	h.Logger.Info("creating TXT record", "domain", domain, "name", name)

	rc := cloudflare.ZoneIdentifier(zoneID)
	_, err = h.api.CreateDNSRecord(ctx, rc, cloudflare.CreateDNSRecordParams{
		Type:    "TXT",
		Name:    name,
		Content: tokenDigest,
		TTL:     1,
	})
	if err != nil {
		return fmt.Errorf("creating TXT record for %s: %w", domain, err)
	}

	select {
	case <-time.After(initialSettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	deadline := time.Now().Add(PropagationTimeout)
	started := time.Now()
	for time.Now().Before(deadline) {
		if h.propagated(name, tokenDigest) {
			h.Logger.Info("TXT record propagated", "domain", domain)
			return nil
		}

		h.Logger.Info("TXT record not yet propagated, waiting", "domain", domain,
			"elapsed", time.Since(started).Round(time.Second))
		select {
		case <-time.After(PropagationPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("TXT record for %s did not propagate within %s", domain, PropagationTimeout)
}

// propagated queries every configured resolver (or the system default)
// for name's TXT records and reports whether token is among them.
func (h *Hook) propagated(name, token string) bool {
	resolvers := h.Resolvers
	if len(resolvers) == 0 {
		resolvers = []string{""}
	}

	for _, resolver := range resolvers {
		records, err := lookupTXT(name, resolver)
		if err != nil {
			continue
		}
		for _, r := range records {
			if r == token {
				return true
			}
		}
	}
	return false
}

// lookupTXT resolves name's TXT records against resolver (a "host:port"
// nameserver address, or "" for the system resolver) using miekg/dns so
// a specific authoritative or public resolver can be targeted.
func lookupTXT(name, resolver string) ([]string, error) {
	if resolver == "" {
		return net.LookupTXT(strings.TrimSuffix(name, "."))
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)

	c := new(dns.Client)
	c.Timeout = 10 * time.Second

	addr := resolver
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "53")
	}

	resp, _, err := c.Exchange(m, addr)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, ans := range resp.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// CleanChallenge deletes the TXT record created for tokenDigest.
func (h *Hook) CleanChallenge(ctx context.Context, domain, tokenDigest string) error {
	zoneID, err := h.zoneID(ctx, domain)
	if err != nil {
		return err
	}

	name := challengeName(domain)
	rc := cloudflare.ZoneIdentifier(zoneID)

	records, _, err := h.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{
		Type:    "TXT",
		Name:    name,
		Content: tokenDigest,
	})
	if err != nil {
		return fmt.Errorf("listing TXT records for %s: %w", domain, err)
	}
	if len(records) == 0 {
		h.Logger.Warn("no TXT record found to clean up", "domain", domain, "name", name)
		return nil
	}

	for _, r := range records {
		if err := h.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
			return fmt.Errorf("deleting TXT record %s for %s: %w", r.ID, domain, err)
		}
	}
	h.Logger.Info("deleted TXT record", "domain", domain, "name", name)
	return nil
}

// Verify removes any stray _acme-challenge records left by a crashed
// prior run.
func (h *Hook) Verify(ctx context.Context, domain string) (bool, error) {
	zoneID, err := h.zoneID(ctx, domain)
	if err != nil {
		return false, err
	}

	rc := cloudflare.ZoneIdentifier(zoneID)
	records, _, err := h.api.ListDNSRecords(ctx, rc, cloudflare.ListDNSRecordsParams{Type: "TXT"})
	if err != nil {
		return false, fmt.Errorf("listing TXT records for %s: %w", domain, err)
	}

	removed := 0
	for _, r := range records {
		if strings.HasPrefix(r.Name, "_acme-challenge.") {
			h.Logger.Info("removing stray acme challenge record", "name", r.Name)
			if err := h.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
				return false, fmt.Errorf("deleting stray record %s: %w", r.ID, err)
			}
			removed++
		}
	}
	h.Logger.Info("verify cleanup complete", "domain", domain, "removed", removed)
	return true, nil
}
