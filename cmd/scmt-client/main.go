// Command scmt-client polls a running scmt-server for one or more
// services' key/cert material and keeps local files in sync.
//
// Usage: scmt-client [-once]
// Reads SCMT_CONFIG or falls back to /etc/scmt-client.ini. -once runs a
// single blocking pass and exits 0; otherwise it polls every 43200s
// (12h), with a 500s timeout per pass and a 3600s retry delay after a
// failed pass.
package main

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alxark/scmt/config"
	"github.com/alxark/scmt/logging"
	"github.com/alxark/scmt/pemutil"
)

const (
	defaultConfigPath = "/etc/scmt-client.ini"
	pollInterval      = 12 * time.Hour
	passTimeout       = 500 * time.Second
	retryDelay        = time.Hour
	pendingRetry      = 15 * time.Second
)

func main() {
	once := flag.Bool("once", false, "run a single blocking pass and exit")
	flag.Parse()

	configPath := os.Getenv("SCMT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	logger := logging.WithTextLogger(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})

	cfg, err := config.LoadClient(configPath)
	if err != nil {
		logger.Error("failed to load client configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	c := &client{cfg: cfg, logger: logger, http: &http.Client{Timeout: 20 * time.Second}}

	if *once {
		logger.Info("downloading certificates first time")
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		defer cancel()
		if !c.blockingLoad(ctx) {
			logger.Error("failed to load all certificates")
			os.Exit(1)
		}
		os.Exit(0)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	logger.Info("starting scmt client daemon", "poll_interval", pollInterval)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
		ok := c.blockingLoad(ctx)
		cancel()

		wait := pollInterval
		if !ok {
			logger.Error("failed to download all certificates, retrying sooner", "retry_delay", retryDelay)
			wait = retryDelay
		}

		select {
		case <-time.After(wait):
		case sig := <-stop:
			logger.Info("received shutdown signal", "signal", sig.String())
			return
		}
	}
}

// client syncs every configured service's key and certificate.
type client struct {
	cfg    *config.ClientConfig
	logger *slog.Logger
	http   *http.Client
}

// serviceURL resolves the API base URL for a service: its generator
// (with ${VAR} sequences expanded from the environment), falling back
// to the global [server] section.
func (c *client) serviceURL(svc config.ClientService) string {
	if svc.Generator != "" {
		return strings.TrimSuffix(os.Expand(svc.Generator, os.Getenv), "/")
	}
	scheme := "http"
	if c.cfg.Server.SSL {
		scheme = "https"
	}
	return scheme + "://" + c.cfg.Server.Addr
}

// blockingLoad keeps retrying unsynced services every 15s until all of
// them are loaded or ctx expires, mirroring the pending-until-available
// contract of the cert call: freshly requested hostnames stay pending
// while the server issues in the background.
func (c *client) blockingLoad(ctx context.Context) bool {
	loaded := make(map[string]bool, len(c.cfg.Services))

	for {
		all := true
		for name, svc := range c.cfg.Services {
			if loaded[name] {
				continue
			}
			if err := c.syncService(ctx, name, svc); err != nil {
				c.logger.Warn("service not synced yet", "service", name, "hostname", svc.Hostname, "error", err)
				all = false
				continue
			}
			c.logger.Info("service synced", "service", name, "hostname", svc.Hostname)
			loaded[name] = true
		}

		if all {
			return true
		}

		c.logger.Info("not all certificates loaded, sleeping", "retry", pendingRetry)
		select {
		case <-time.After(pendingRetry):
		case <-ctx.Done():
			return false
		}
	}
}

func (c *client) syncService(ctx context.Context, name string, svc config.ClientService) error {
	if svc.Hostname == "" {
		return fmt.Errorf("service %s has no hostname configured", name)
	}

	base := c.serviceURL(svc)

	keyPEM, err := c.fetchKey(ctx, base, svc)
	if err != nil {
		return fmt.Errorf("obtaining key: %w", err)
	}
	if svc.Key != "" {
		if err := writeAtomic(svc.Key, keyPEM); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
	}

	status, err := c.requestCert(ctx, base, svc.Hostname)
	if err != nil {
		return fmt.Errorf("requesting cert: %w", err)
	}
	if status.Status != "available" {
		// With fallback set, a still-pending certificate does not fail
		// the service: whatever is on disk keeps serving until the next
		// pass picks the real one up.
		if svc.Fallback != "" {
			c.logger.Info("certificate not yet available, fallback enabled",
				"hostname", svc.Hostname, "status", status.Status)
			return nil
		}
		return fmt.Errorf("certificate status is %q", status.Status)
	}

	certBody := []byte(status.Fullchain)
	if svc.Outform == "der" {
		certBody, err = pemToDER(certBody)
		if err != nil {
			return fmt.Errorf("converting to DER: %w", err)
		}
	}

	if svc.Cert == "" {
		return nil
	}

	oldBody, _ := os.ReadFile(svc.Cert)
	changed := md5.Sum(oldBody) != md5.Sum(certBody)

	if err := writeAtomic(svc.Cert, certBody); err != nil {
		return fmt.Errorf("writing cert: %w", err)
	}

	if changed && svc.Trigger != "" {
		c.runTrigger(svc.Trigger, name)
	}

	return nil
}

// fetchKey asks the server to generate (or return) the service's
// private key. The server call is idempotent, so re-fetching on every
// pass keeps the local file authoritative with storage.
func (c *client) fetchKey(ctx context.Context, base string, svc config.ClientService) ([]byte, error) {
	algo := svc.Algo
	if algo == "" {
		algo = string(pemutil.AlgoRSA)
	}
	body, err := json.Marshal(map[string]interface{}{
		"type":     "key",
		"hostname": svc.Hostname,
		"algo":     algo,
		"bits":     2048,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, base, body)
	if err != nil {
		return nil, err
	}

	var out struct {
		Key   string `json:"key"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decoding key response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("server rejected key request: %s", out.Error)
	}
	if out.Key == "" {
		return nil, fmt.Errorf("no key in server reply")
	}
	return []byte(out.Key), nil
}

type certResponse struct {
	Status    string `json:"status"`
	Cert      string `json:"cert"`
	Fullchain string `json:"fullchain"`
	Error     string `json:"error"`
}

func (c *client) requestCert(ctx context.Context, base, hostname string) (*certResponse, error) {
	body, err := json.Marshal(map[string]string{"type": "cert", "hostname": hostname})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, base, body)
	if err != nil {
		return nil, err
	}

	var out certResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decoding cert response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("server rejected cert request: %s", out.Error)
	}
	if out.Status == "available" && out.Fullchain == "" {
		return nil, fmt.Errorf("no fullchain found in reply")
	}
	return &out, nil
}

func (c *client) post(ctx context.Context, base string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(body))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// runTrigger executes svc.Trigger via the shell when the certificate
// on disk changed. A non-zero exit is logged, not fatal: a broken
// reload hook must not stop the cert from landing on disk.
func (c *client) runTrigger(trigger, service string) {
	c.logger.Info("running trigger command", "service", service, "trigger", trigger)
	cmd := exec.Command("sh", "-c", trigger)
	if err := cmd.Run(); err != nil {
		c.logger.Warn("trigger command failed", "service", service, "trigger", trigger, "error", err)
	}
}

// writeAtomic writes body to path by writing to a sibling temp file and
// renaming over the target, so a reader never observes a partial file.
// The parent directory is created if missing.
func writeAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".scmt-client-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// pemToDER converts a PEM-framed certificate (optionally a chain, of
// which only the leaf is kept) to raw DER for outform=der services.
func pemToDER(body []byte) ([]byte, error) {
	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate body")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return block.Bytes, nil
}
