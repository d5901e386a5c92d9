package httphook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alxark/scmt/hook"
)

func newTestHook(t *testing.T) (*Hook, *httptest.Server) {
	t.Helper()
	h := New(":0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(h.srv.Handler)
	t.Cleanup(srv.Close)
	return h, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestChallengeType(t *testing.T) {
	h, _ := newTestHook(t)
	if got := h.ChallengeType(); got != hook.ChallengeTypeHTTP01 {
		t.Fatalf("ChallengeType = %q, want %q", got, hook.ChallengeTypeHTTP01)
	}
}

func TestServesDeployedChallenge(t *testing.T) {
	h, srv := newTestHook(t)
	ctx := context.Background()

	if err := h.DeployChallenge(ctx, "x.test", "tok", "ka.thumb"); err != nil {
		t.Fatalf("DeployChallenge failed: %v", err)
	}

	// The token is the part of the key authorization before the dot.
	status, body := get(t, srv.URL+"/.well-known/acme-challenge/ka")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body != "ka.thumb" {
		t.Fatalf("body = %q, want the full key authorization", body)
	}
}

func TestLivenessProbe(t *testing.T) {
	_, srv := newTestHook(t)

	status, body := get(t, srv.URL+"/.well-known/acme-test")
	if status != http.StatusOK || body != "available" {
		t.Fatalf("acme-test = %d %q, want 200 available", status, body)
	}
}

func TestUnknownPathsAre404(t *testing.T) {
	h, srv := newTestHook(t)
	ctx := context.Background()

	if err := h.DeployChallenge(ctx, "x.test", "tok", "ka.thumb"); err != nil {
		t.Fatalf("DeployChallenge failed: %v", err)
	}

	if status, _ := get(t, srv.URL+"/.well-known/acme-challenge/unknown"); status != http.StatusNotFound {
		t.Fatalf("unknown token status = %d, want 404", status)
	}
	if status, _ := get(t, srv.URL+"/anything"); status != http.StatusNotFound {
		t.Fatalf("stray path status = %d, want 404", status)
	}

	resp, err := http.Post(srv.URL+"/", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST /: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST / status = %d, want 404", resp.StatusCode)
	}
}

func TestDeployRejectsMalformedKeyAuthorization(t *testing.T) {
	h, _ := newTestHook(t)
	if err := h.DeployChallenge(context.Background(), "x.test", "tok", "no-dot-here"); err == nil {
		t.Fatal("expected an error for a key authorization without a dot")
	}
}

func TestCleanChallengeRemovesEntry(t *testing.T) {
	h, srv := newTestHook(t)
	ctx := context.Background()

	if err := h.DeployChallenge(ctx, "x.test", "tok", "ka.thumb"); err != nil {
		t.Fatalf("DeployChallenge failed: %v", err)
	}
	if err := h.CleanChallenge(ctx, "x.test", "tok"); err != nil {
		t.Fatalf("CleanChallenge failed: %v", err)
	}

	if status, _ := get(t, srv.URL+"/.well-known/acme-challenge/ka"); status != http.StatusNotFound {
		t.Fatalf("cleaned challenge still served, status = %d", status)
	}
}

func TestVerify(t *testing.T) {
	h, _ := newTestHook(t)
	ok, err := h.Verify(context.Background(), "x.test")
	if err != nil || !ok {
		t.Fatalf("Verify = (%v, %v), want (true, nil)", ok, err)
	}
}
