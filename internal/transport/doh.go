package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dnsscience/heimdall/internal/wire"
)

// DoHConfig holds configuration for the DNS-over-HTTPS listener (RFC 8484).
type DoHConfig struct {
	Address   string      // listen address (default ":443")
	Path      string      // URL path for DNS queries (default "/dns-query")
	TLSConfig *tls.Config // TLS configuration
	CertFile  string      // path to TLS certificate (if TLSConfig not provided)
	KeyFile   string      // path to TLS private key (if TLSConfig not provided)
	Timeout   time.Duration
}

// DefaultDoHConfig returns sensible defaults.
func DefaultDoHConfig() DoHConfig {
	return DoHConfig{Address: ":443", Path: "/dns-query", Timeout: 5 * time.Second}
}

// DoHListener implements a DNS-over-HTTPS listener.
type DoHListener struct {
	mu       sync.Mutex
	addr     string
	server   *http.Server
	handler  Handler
	running  bool
	listener net.Listener
}

// NewDoHListener creates a new DNS-over-HTTPS listener.
func NewDoHListener(cfg DoHConfig, handler Handler) (*DoHListener, error) {
	def := DefaultDoHConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}

	tlsConfig, err := resolveTLSConfig(cfg.TLSConfig, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	l := &DoHListener{addr: cfg.Address, handler: handler}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleDoH)

	l.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  30 * time.Second,
	}

	return l, nil
}

// Start begins accepting connections.
func (l *DoHListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("transport: doh listener already running")
	}

	ln, err := tls.Listen("tcp", l.addr, l.server.TLSConfig)
	if err != nil {
		return fmt.Errorf("transport: listen https: %w", err)
	}
	l.listener = ln
	l.running = true

	go l.server.Serve(ln)
	return nil
}

// Stop gracefully stops the listener.
func (l *DoHListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// Addr returns the listener's bound address, or nil if not started.
func (l *DoHListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

func (l *DoHListener) handleDoH(w http.ResponseWriter, r *http.Request) {
	var req *wire.Message
	var querySize int
	var err error

	switch r.Method {
	case http.MethodGet:
		req, querySize, err = parseDoHGET(r)
	case http.MethodPost:
		req, querySize, err = parseDoHPOST(r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
		return
	}

	clientIP := requestIP(r)
	ctx := WithProtocol(r.Context(), "doh")
	resp, err := l.handler.HandleDNS(ctx, req, clientIP, querySize)
	if err != nil {
		resp = servfail(req)
	}
	if resp == nil {
		// DoH has no concept of a dropped query at the transport level;
		// the request already consumed an HTTP round trip, so answer
		// with a refusal rather than hanging the client's connection.
		resp = &wire.Message{Header: wire.Header{ID: req.Header.ID, QR: true, Rcode: wire.RcodeRefused}}
	}

	out := wire.Marshal(resp)

	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", cacheControl(resp))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func requestIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func parseDoHGET(r *http.Request) (*wire.Message, int, error) {
	dnsParam := r.URL.Query().Get("dns")
	if dnsParam == "" {
		return nil, 0, fmt.Errorf("missing 'dns' query parameter")
	}

	dnsParam = strings.ReplaceAll(dnsParam, "-", "+")
	dnsParam = strings.ReplaceAll(dnsParam, "_", "/")
	switch len(dnsParam) % 4 {
	case 2:
		dnsParam += "=="
	case 3:
		dnsParam += "="
	}

	msgBytes, err := base64.StdEncoding.DecodeString(dnsParam)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	msg, err := wire.Parse(msgBytes)
	return msg, len(msgBytes), err
}

func parseDoHPOST(r *http.Request) (*wire.Message, int, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/dns-message") {
		return nil, 0, fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 65535))
	if err != nil {
		return nil, 0, fmt.Errorf("read request body: %w", err)
	}
	msg, err := wire.Parse(body)
	return msg, len(body), err
}

func cacheControl(resp *wire.Message) string {
	minTTL := uint32(300)
	for _, rr := range resp.Answer {
		if rr.TTL < minTTL {
			minTTL = rr.TTL
		}
	}
	if resp.Header.Rcode != wire.RcodeSuccess {
		return "max-age=60"
	}
	return fmt.Sprintf("max-age=%d", minTTL)
}
