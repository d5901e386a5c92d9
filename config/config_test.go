package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scmt.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[general]
dir = "/srv/scmt"
port = 8443
ssl = "api.local.test"

[domains."local.test"]
ca = "privateca"
storage = "main"
ca_key = "/etc/scmt/ca.key"
ca_cert = "/etc/scmt/ca.crt"
days = 30
subject = "/CN=%COMMONNAME%"

[domains."example.com"]
ca = "letsencrypt"
storage = "main"
hook = "wellknown"
hook_port = 8080
acme_account_key = "example.com/account.key"

[storages.main]
backend = "consul"
address = "127.0.0.1:8500"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Port != 8443 || cfg.General.SSL != "api.local.test" {
		t.Fatalf("unexpected general section: %+v", cfg.General)
	}

	local, ok := cfg.Domains["local.test"]
	if !ok {
		t.Fatal("local.test domain missing")
	}
	if local.CA != "privateca" || local.Days != 30 {
		t.Fatalf("unexpected local.test domain: %+v", local)
	}

	le, ok := cfg.Domains["example.com"]
	if !ok {
		t.Fatal("example.com domain missing")
	}
	if le.Hook != "wellknown" || le.HookPort != 8080 {
		t.Fatalf("unexpected example.com hook options: %+v", le)
	}

	st, ok := cfg.Storages["main"]
	if !ok || st.Backend != "consul" || st.Address != "127.0.0.1:8500" {
		t.Fatalf("unexpected storage section: %+v", st)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[domains."local.test"]
ca = "privateca"
storage = "main"

[storages.main]
backend = "memory"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.Dir != "/var/lib/scmt" {
		t.Errorf("default dir = %q", cfg.General.Dir)
	}
	if cfg.General.Port != 443 {
		t.Errorf("default port = %d", cfg.General.Port)
	}

	d := cfg.Domains["local.test"]
	if d.RequestCleanupDays != 30 {
		t.Errorf("default request_cleanup_days = %d", d.RequestCleanupDays)
	}
	if d.CertExpirationDays != 14 {
		t.Errorf("default certificate_expiration_days = %d", d.CertExpirationDays)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadClient(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = "scmt.local.test:8443"
ssl = true

[services.nginx]
hostname = "www.local.test"
key = "/etc/nginx/ssl/www.key"
cert = "/etc/nginx/ssl/www.pem"
algo = "RSA"
outform = "pem"
trigger = "systemctl reload nginx"

[services.ldap]
hostname = "ldap.local.test"
key = "/etc/ldap/ssl/ldap.key"
cert = "/etc/ldap/ssl/ldap.der"
outform = "der"
generator = "https://${SCMT_SERVER}:8443"
`)

	cfg, err := LoadClient(path)
	if err != nil {
		t.Fatalf("LoadClient failed: %v", err)
	}

	if cfg.Server.Addr != "scmt.local.test:8443" || !cfg.Server.SSL {
		t.Fatalf("unexpected server section: %+v", cfg.Server)
	}
	if len(cfg.Services) != 2 {
		t.Fatalf("services = %d, want 2", len(cfg.Services))
	}

	nginx := cfg.Services["nginx"]
	if nginx.Hostname != "www.local.test" || nginx.Trigger != "systemctl reload nginx" {
		t.Fatalf("unexpected nginx service: %+v", nginx)
	}
	ldap := cfg.Services["ldap"]
	if ldap.Outform != "der" || ldap.Generator == "" {
		t.Fatalf("unexpected ldap service: %+v", ldap)
	}
}

func TestProviderSwapsAtomically(t *testing.T) {
	a := &Config{General: General{Port: 1}}
	b := &Config{General: General{Port: 2}}

	p := NewProvider(a)
	if p.Get().General.Port != 1 {
		t.Fatal("Get did not return the initial config")
	}
	p.Update(b)
	if p.Get().General.Port != 2 {
		t.Fatal("Update did not swap the config")
	}
}
