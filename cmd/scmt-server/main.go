// Command scmt-server runs the certificate lifecycle engine: it loads
// the configured domains, wires each one's storage backend, CA, and
// validation hook, and serves the JSON API.
//
// Usage: scmt-server [config-file]
// Falls back to /etc/scmt.ini if no argument is given, and exits 1 if
// that file cannot be loaded.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alxark/scmt/apiserver"
	"github.com/alxark/scmt/ca"
	"github.com/alxark/scmt/ca/acmeca"
	"github.com/alxark/scmt/ca/privateca"
	"github.com/alxark/scmt/config"
	"github.com/alxark/scmt/hook/dnshook"
	"github.com/alxark/scmt/hook/httphook"
	"github.com/alxark/scmt/logging"
	"github.com/alxark/scmt/manager"
	"github.com/alxark/scmt/storage"
)

const defaultConfigPath = "/etc/scmt.ini"

// daemon is the lifecycle contract every long-running component
// (Manager, apiserver, the http-01 responder) implements.
type daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

func main() {
	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := logging.WithPhusLogger(os.Stderr, nil)
	slog.SetDefault(logger)

	mgr := manager.New(logger)
	var daemons []daemon

	storages := make(map[string]storage.KV, len(cfg.Storages))
	for name, sb := range cfg.Storages {
		kv, err := buildStorage(sb)
		if err != nil {
			logger.Error("failed to build storage backend", "storage", name, "error", err)
			os.Exit(1)
		}
		storages[name] = kv
	}

	ctx := context.Background()
	for domainName, d := range cfg.Domains {
		kv, ok := storages[d.Storage]
		if !ok {
			logger.Error("domain references unknown storage", "domain", domainName, "storage", d.Storage)
			os.Exit(1)
		}

		base := ca.NewBase(domainName, kv, logger, tmpRootFor(cfg.General.Dir, domainName))
		base.RequestCleanup = time.Duration(d.RequestCleanupDays) * 24 * time.Hour
		base.CertExpiration = time.Duration(d.CertExpirationDays) * 24 * time.Hour
		base.DeleteOnNoRequests = d.RequestCleanupDelete

		var h ca.Hook
		if d.Hook != "" {
			built, hd, err := buildHook(d, logger)
			if err != nil {
				logger.Error("failed to build validation hook", "domain", domainName, "error", err)
				os.Exit(1)
			}
			h = built
			if hd != nil {
				daemons = append(daemons, hd)
			}
			if ok, err := h.Verify(ctx, domainName); err != nil || !ok {
				logger.Warn("validation hook self-test failed", "domain", domainName, "error", err)
			}
		}

		issuer, err := buildCA(ctx, d, base, h)
		if err != nil {
			logger.Error("failed to build CA", "domain", domainName, "error", err)
			os.Exit(1)
		}

		mgr.AddDomain(domainName, issuer)
	}

	daemons = append(daemons, mgr)

	// The manager loop and the hook responders must be running before the
	// TLS bootstrap polls for the API server's certificate.
	for _, d := range daemons {
		if err := d.Start(); err != nil {
			logger.Error("daemon failed to start", "daemon", d.Name(), "error", err)
			os.Exit(1)
		}
		logger.Info("started daemon", "daemon", d.Name())
	}

	api := apiserver.New(fmt.Sprintf("0.0.0.0:%d", cfg.General.Port), mgr, logger)
	if cfg.General.SSL != "" {
		if err := bootstrapTLS(ctx, mgr, api, cfg.General.SSL, logger); err != nil {
			logger.Error("failed to bootstrap API TLS certificate", "hostname", cfg.General.SSL, "error", err)
			os.Exit(1)
		}
	}
	daemons = append(daemons, api)
	if err := api.Start(); err != nil {
		logger.Error("daemon failed to start", "daemon", api.Name(), "error", err)
		os.Exit(1)
	}
	logger.Info("started daemon", "daemon", api.Name())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, d := range daemons {
		if err := d.Stop(shutdownCtx); err != nil {
			logger.Warn("daemon failed to stop cleanly", "daemon", d.Name(), "error", err)
		}
	}
}

func tmpRootFor(dir, domain string) string {
	if dir == "" {
		return ""
	}
	return dir + "/tmp/" + domain
}

func buildStorage(sb config.StorageBackend) (storage.KV, error) {
	var backend storage.KV
	switch sb.Backend {
	case "consul", "":
		backend = storage.NewRemote(sb.Address)
	case "memory":
		backend = storage.NewMemory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sb.Backend)
	}
	return storage.NewCached(backend)
}

func buildHook(d config.Domain, logger *slog.Logger) (ca.Hook, daemon, error) {
	switch d.Hook {
	case "cloudflare":
		h, err := dnshook.New(d.HookEmail, d.HookKey, splitResolvers(d.HookDNS), logger)
		return h, nil, err
	case "wellknown":
		addr := fmt.Sprintf(":%d", d.HookPort)
		if d.HookPort == 0 {
			addr = ":80"
		}
		h := httphook.New(addr, logger)
		return h, h, nil
	default:
		return nil, nil, fmt.Errorf("unknown validation hook %q", d.Hook)
	}
}

func splitResolvers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// buildCA dispatches on the configured CA kind to a concrete issuer,
// returned as manager.DomainCA so AddDomain can route to it.
func buildCA(ctx context.Context, d config.Domain, base *ca.Base, h ca.Hook) (manager.DomainCA, error) {
	switch d.CA {
	case "letsencrypt":
		if h == nil {
			return nil, fmt.Errorf("letsencrypt CA requires a validation hook")
		}
		return acmeca.New(ctx, base, d.DirectoryURL, d.AccountKeyPath, h)
	case "privateca":
		return privateca.New(base, d.CAKeyPath, d.CACertPath, d.Days, d.Subject)
	default:
		return nil, fmt.Errorf("unknown CA kind %q", d.CA)
	}
}

// bootstrapTLS polls the Manager for hostname's certificate with a 10s
// backoff until it becomes available, then wires api to serve on that
// certificate.
func bootstrapTLS(ctx context.Context, mgr *manager.Manager, api *apiserver.Server, hostname string, logger *slog.Logger) error {
	logger.Info("bootstrapping API server TLS certificate", "hostname", hostname)
	for {
		status, err := mgr.Cert(ctx, hostname, "127.0.0.1")
		if err == nil && status.Status == "available" {
			break
		}
		logger.Info("API server certificate not yet available, waiting", "hostname", hostname)
		time.Sleep(10 * time.Second)
	}

	keyPath, err := mgr.KeyPath(ctx, hostname)
	if err != nil {
		return err
	}
	chainPath, err := mgr.FullChainPath(ctx, hostname)
	if err != nil {
		return err
	}
	return api.EnableTLS(chainPath, keyPath)
}
