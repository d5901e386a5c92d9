package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alxark/scmt/scmterr"
)

// RemoteTimeout bounds every outbound call the remote KV backend makes.
const RemoteTimeout = 10 * time.Second

// Remote is a Consul-shaped HTTP KV backend. The four endpoints it
// needs (?keys listing, base64 Value reads, raw PUT, recursive DELETE)
// are spoken directly over net/http rather than through the full
// consul/api client.
type Remote struct {
	addr   string // host:port, no scheme
	client *http.Client
}

var _ KV = (*Remote)(nil)

// NewRemote builds a backend against addr (e.g. "127.0.0.1:8500").
func NewRemote(addr string) *Remote {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr = strings.TrimSuffix(addr, "/")
	return &Remote{
		addr:   addr,
		client: &http.Client{Timeout: RemoteTimeout},
	}
}

type kvEntry struct {
	Value string `json:"Value"`
}

func (r *Remote) kvURL(path string, query string) string {
	u := fmt.Sprintf("http://%s/v1/kv/%s", r.addr, path)
	if query != "" {
		u += "?" + query
	}
	return u
}

func (r *Remote) Exists(ctx context.Context, path string) bool {
	if _, err := r.Read(ctx, path); err == nil {
		return true
	}
	if _, err := r.List(ctx, path); err == nil {
		return true
	}
	return false
}

func (r *Remote) Read(ctx context.Context, path string) ([]byte, error) {
	path = Join(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.kvURL(path, ""), nil)
	if err != nil {
		return nil, scmterr.Runtimef("building storage read request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, scmterr.Runtimef("storage read transport failure", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scmterr.Runtimef("reading storage response body", err)
	}

	if resp.StatusCode == http.StatusNotFound || len(body) == 0 {
		return nil, scmterr.NotFoundf("no such key: " + path)
	}

	var entries []kvEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, scmterr.Runtimef("decoding storage response", err)
	}
	if len(entries) == 0 || entries[0].Value == "" {
		return nil, scmterr.NotFoundf("incorrect data in Value object for " + path)
	}

	value, err := base64.StdEncoding.DecodeString(entries[0].Value)
	if err != nil {
		return nil, scmterr.Runtimef("decoding base64 value", err)
	}
	return value, nil
}

func (r *Remote) Write(ctx context.Context, path string, value []byte) error {
	path = Join(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.kvURL(path, ""), strings.NewReader(string(value)))
	if err != nil {
		return scmterr.Runtimef("building storage write request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return scmterr.Runtimef("storage write transport failure", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return scmterr.Runtimef(fmt.Sprintf("storage write failed with status %d", resp.StatusCode), nil)
	}
	return nil
}

func (r *Remote) List(ctx context.Context, path string) ([]string, error) {
	path = Join(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.kvURL(path, "keys"), nil)
	if err != nil {
		return nil, scmterr.Runtimef("building storage list request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, scmterr.Runtimef("storage list transport failure", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, scmterr.Runtimef("reading storage list body", err)
	}
	if len(body) == 0 {
		return nil, scmterr.NotFoundf("no such directory: " + path)
	}

	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, scmterr.Runtimef("decoding storage list response", err)
	}

	children := dedupChildren(path, keys)
	if len(children) == 0 {
		return nil, scmterr.NotFoundf("no such directory: " + path)
	}
	return children, nil
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	path = Join(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.kvURL(path, "recurse=true"), nil)
	if err != nil {
		return scmterr.Runtimef("building storage delete request", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return scmterr.Runtimef("storage delete transport failure", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}
