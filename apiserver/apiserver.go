// Package apiserver implements the thin JSON HTTP frontend: a GET /
// liveness probe and a POST /call dispatcher over
// {"type":"key"|"cert", ...} that forwards to the Manager and renders
// its result (or error) in the fixed wire shapes clients rely on.
package apiserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	jshttprouter "github.com/julienschmidt/httprouter"

	"github.com/alxark/scmt/manager"
	"github.com/alxark/scmt/pemutil"
	"github.com/alxark/scmt/scmterr"
)

// Manager is the subset of *manager.Manager the API frontend depends on.
type Manager interface {
	GetKey(ctx context.Context, hostname string, algo pemutil.Algo, bits int) ([]byte, error)
	Cert(ctx context.Context, hostname, ip string) (*manager.CertStatus, error)
	KeyPath(ctx context.Context, hostname string) (string, error)
	FullChainPath(ctx context.Context, hostname string) (string, error)
}

// callRequest is the body shape every POST /call carries.
type callRequest struct {
	Type     string `json:"type"`
	Hostname string `json:"hostname"`
	Bits     int    `json:"bits"`
	Algo     string `json:"algo"`
}

// realIPPattern is the shape X-Real-IP must have before it is trusted
// over the transport-layer peer address.
var realIPPattern = regexp.MustCompile(`^[a-f0-9.]+$`)

// Server is the JSON API frontend. It does not own the Manager's
// background loop; that is a separate daemon started alongside it.
type Server struct {
	Manager Manager
	Logger  *slog.Logger

	srv *http.Server
}

// New builds a Server listening on addr. TLS is configured by calling
// EnableTLS before Start: the API server polls the Manager for its own
// server-name certificate before it can start listening on TLS.
func New(addr string, mgr Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Manager: mgr, Logger: logger}

	router := jshttprouter.New()
	router.GET("/", s.handleIndex)
	router.POST("/call", s.handleCall)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// EnableTLS wraps the listener in TLS using the certificate at
// certFile/keyFile, the paths Manager.KeyPath/FullChainPath staged to
// the local filesystem.
func (s *Server) EnableTLS(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("loading API server TLS certificate: %w", err)
	}
	s.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	return nil
}

// Name implements the scmt-server daemon interface.
func (s *Server) Name() string { return "apiserver" }

// Start implements the scmt-server daemon interface: begins listening in
// the background.
func (s *Server) Start() error {
	s.Logger.Info("starting API server", "addr", s.srv.Addr, "tls", s.srv.TLSConfig != nil)
	go func() {
		var err error
		if s.srv.TLSConfig != nil {
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			err = s.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.Logger.Error("API server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Stop implements the scmt-server daemon interface.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ jshttprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]int{"ok": 1})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, _ jshttprouter.Params) {
	if r.Method != http.MethodPost {
		writeError(w, "unacceptable_request_method")
		return
	}
	if r.ContentLength <= 0 {
		writeError(w, "bad_content_length")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, "failed_to_parse_request_body")
		return
	}

	var req callRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "failed_to_parse_request_body")
		return
	}

	switch req.Type {
	case "key":
		s.handleKey(w, r, &req)
	case "cert":
		s.handleCert(w, r, &req)
	default:
		writeError(w, "unknown_request_type")
	}
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request, req *callRequest) {
	if req.Hostname == "" {
		writeError(w, "key_hostname_should_be_specified")
		return
	}
	if req.Bits == 0 && pemutil.Algo(req.Algo) == pemutil.AlgoRSA {
		writeError(w, "key_bits_should_be_specified")
		return
	}
	algo := pemutil.Algo(req.Algo)
	if !supportedAlgo(algo) {
		writeError(w, "empty_or_incorrect_algo")
		return
	}

	key, err := s.Manager.GetKey(r.Context(), req.Hostname, algo, req.Bits)
	if err != nil {
		s.Logger.Warn("key generation failed", "hostname", req.Hostname, "error", err)
		writeError(w, "failed_to_generate_key")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 200, "key": string(key)})
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request, req *callRequest) {
	if req.Hostname == "" {
		writeError(w, "no_hostname_specified")
		return
	}

	ip := clientIP(r)
	status, err := s.Manager.Cert(r.Context(), req.Hostname, ip)
	if err != nil {
		kind, _ := scmterr.KindOf(err)
		s.Logger.Warn("cert lookup failed", "hostname", req.Hostname, "error", err, "kind", kind)
		// Routing rejects before any queue/storage work happens, so the
		// only error Cert can return is NoCA: the hostname doesn't
		// belong to any configured domain.
		writeError(w, "no_ca_for_hostname")
		return
	}

	if status.Status != "available" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "available",
		"cert":      string(status.Cert),
		"fullchain": string(status.Fullchain),
	})
}

func supportedAlgo(algo pemutil.Algo) bool {
	for _, a := range pemutil.SupportedAlgos {
		if a == algo {
			return true
		}
	}
	return false
}

// clientIP trusts X-Real-IP only if it looks like a hex/dotted
// address, else falls back to the transport-layer peer.
func clientIP(r *http.Request) string {
	if xr := r.Header.Get("X-Real-IP"); xr != "" && realIPPattern.MatchString(xr) {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, slug string) {
	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"code": 500, "error": slug})
}
