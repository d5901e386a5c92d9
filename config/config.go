// Package config decodes and serves the on-disk configuration: a
// three-level tree (general, per-domain, per-storage) plus the client
// binary's per-service sections, decoded with BurntSushi/toml.
package config

import (
	"fmt"
	"sync/atomic"

	"github.com/BurntSushi/toml"
)

// General holds the process-wide [general] settings: the working
// directory, API listen port, and the hostname the API server
// bootstraps its own TLS certificate for.
type General struct {
	Dir  string `toml:"dir"`
	Port int    `toml:"port"`
	SSL  string `toml:"ssl"`
}

// Domain holds one [domains.<name>] section: which CA issues for it,
// which storage backend holds its state, and the CA- and hook-specific
// options.
type Domain struct {
	CA      string `toml:"ca"` // "letsencrypt" or "privateca"
	Storage string `toml:"storage"`

	// ACME CA options.
	AccountKeyPath string `toml:"acme_account_key"`
	DirectoryURL   string `toml:"acme_url"`

	// Private CA options.
	CAKeyPath  string `toml:"ca_key"`
	CACertPath string `toml:"ca_cert"`
	Days       int    `toml:"days"`
	Subject    string `toml:"subject"`

	// Validation hook selection and options.
	Hook      string `toml:"hook"` // "cloudflare" or "wellknown"
	HookEmail string `toml:"hook_email"`
	HookKey   string `toml:"hook_key"`
	HookDNS   string `toml:"hook_dns"`  // comma-separated resolver list
	HookPort  int    `toml:"hook_port"` // httphook listen port

	RequestCleanupDays   int  `toml:"request_cleanup_days"`
	CertExpirationDays   int  `toml:"certificate_expiration_days"`
	RequestCleanupDelete bool `toml:"request_cleanup_delete"`
}

// StorageBackend holds one [storages.<name>] section.
type StorageBackend struct {
	Backend string `toml:"backend"` // "consul" or "memory"
	Address string `toml:"address"`
}

// Config is the fully decoded configuration tree.
type Config struct {
	General  General                   `toml:"general"`
	Domains  map[string]Domain         `toml:"domains"`
	Storages map[string]StorageBackend `toml:"storages"`
}

// Load decodes path into a Config, filling in defaults where a key is
// absent.
func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}

	if cfg.General.Dir == "" {
		cfg.General.Dir = "/var/lib/scmt"
	}
	if cfg.General.Port == 0 {
		cfg.General.Port = 443
	}
	for name, d := range cfg.Domains {
		if d.RequestCleanupDays == 0 {
			d.RequestCleanupDays = 30
		}
		if d.CertExpirationDays == 0 {
			d.CertExpirationDays = 14
		}
		if !md.IsDefined("domains", name, "request_cleanup_delete") {
			d.RequestCleanupDelete = true
		}
		cfg.Domains[name] = d
	}

	return &cfg, nil
}

// ClientService holds one [services.<name>] section of the client
// binary's configuration: the hostname to poll for, where to write the
// key/cert on disk, which server generates the material, and an
// optional reload trigger.
type ClientService struct {
	Hostname  string `toml:"hostname"`
	Key       string `toml:"key"`       // local path to write key.pem to
	Cert      string `toml:"cert"`      // local path to write cert/fullchain to
	Generator string `toml:"generator"` // per-service API base URL, ${VAR} expanded from env
	Algo      string `toml:"algo"`
	Outform   string `toml:"outform"`  // "pem" or "der"
	Trigger   string `toml:"trigger"`  // shell command run when cert changes
	Fallback  string `toml:"fallback"` // any non-empty value means true
}

// ClientConfig is the client binary's fully decoded configuration: the
// scmt server to poll and the set of services (hostname/key/cert
// triples) to keep in sync.
type ClientConfig struct {
	Server struct {
		Addr string `toml:"addr"`
		SSL  bool   `toml:"ssl"`
	} `toml:"server"`
	Services map[string]ClientService `toml:"services"`
}

// LoadClient decodes path into a ClientConfig.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("decoding client config %s: %w", path, err)
	}
	return &cfg, nil
}

// Provider holds the current Config behind an atomic.Value: Get is
// lock-free, Update swaps the whole tree atomically, so a future
// hot-reload path needs no reader-side locking.
type Provider struct {
	v atomic.Value
}

// NewProvider builds a Provider already holding cfg.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.v.Store(cfg)
	return p
}

// Get returns the current Config. Safe for concurrent use.
func (p *Provider) Get() *Config {
	return p.v.Load().(*Config)
}

// Update atomically replaces the current Config.
func (p *Provider) Update(cfg *Config) {
	p.v.Store(cfg)
}
