// Package httphook implements the http-01 validation hook: a tiny
// well-known responder that serves whatever key authorization the ACME
// CA most recently deployed for a token, plus a static
// /.well-known/acme-test liveness probe so operators can sanity-check
// routing before attempting an issuance.
package httphook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alxark/scmt/hook"
)

const wellKnownPrefix = "/.well-known/acme-challenge/"

type challengeEntry struct {
	domain  string
	token   string
	key     string
	created time.Time
}

// Hook is both a ca.Hook (challenge deploy/clean/verify) and a daemon:
// it owns an http.Server the main process's lifecycle manages.
type Hook struct {
	Addr   string
	Logger *slog.Logger

	srv *http.Server

	mu         sync.RWMutex
	challenges map[string]challengeEntry
}

// New builds a Hook listening on addr (e.g. ":80"). It does not start
// listening until Start is called.
func New(addr string, logger *slog.Logger) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hook{
		Addr:       addr,
		Logger:     logger,
		challenges: make(map[string]challengeEntry),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/acme-test", h.handleTest)
	mux.HandleFunc(wellKnownPrefix, h.handleChallenge)
	mux.HandleFunc("/", h.handleNotFound)
	h.srv = &http.Server{Addr: addr, Handler: mux}
	return h
}

// ChallengeType implements ca.Hook.
func (h *Hook) ChallengeType() string { return hook.ChallengeTypeHTTP01 }

func (h *Hook) handleTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("available"))
}

func (h *Hook) handleChallenge(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, wellKnownPrefix)

	h.mu.RLock()
	entry, ok := h.challenges[token]
	h.mu.RUnlock()

	if !ok {
		h.handleNotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(entry.key))
}

func (h *Hook) handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "No such file or directory. Request to %s is invalid", r.URL.Path)
}

// DeployChallenge implements ca.Hook by registering the key
// authorization under its token prefix, ready for the next GET.
func (h *Hook) DeployChallenge(ctx context.Context, domain, tokenDigest, keyAuthorization string) error {
	token, _, found := strings.Cut(keyAuthorization, ".")
	if !found {
		return fmt.Errorf("malformed key authorization for %s", domain)
	}

	h.mu.Lock()
	h.challenges[token] = challengeEntry{
		domain:  domain,
		token:   tokenDigest,
		key:     keyAuthorization,
		created: time.Now(),
	}
	h.mu.Unlock()

	h.Logger.Info("registered http-01 challenge", "domain", domain,
		"url", "http://"+domain+wellKnownPrefix+token)
	return nil
}

// CleanChallenge removes a previously deployed challenge.
func (h *Hook) CleanChallenge(ctx context.Context, domain, tokenDigest string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, entry := range h.challenges {
		if entry.domain == domain && entry.token == tokenDigest {
			delete(h.challenges, token)
			return nil
		}
	}
	return nil
}

// Verify is a no-op for http-01: there is no remote record to clean up
// before a run.
func (h *Hook) Verify(ctx context.Context, domain string) (bool, error) {
	h.Logger.Info("no cleanup needed for http-01 hook", "domain", domain)
	return true, nil
}

// Name implements the scmt-server daemon interface.
func (h *Hook) Name() string { return "httphook" }

// Start implements the scmt-server daemon interface: begins listening in
// the background.
func (h *Hook) Start() error {
	h.Logger.Info("starting http-01 challenge responder", "addr", h.Addr)
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.Logger.Error("http-01 responder stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop implements the scmt-server daemon interface.
func (h *Hook) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
