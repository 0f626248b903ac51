package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// DoTConfig holds configuration for the DNS-over-TLS listener (RFC 7858).
type DoTConfig struct {
	Address     string        // listen address (default ":853")
	TLSConfig   *tls.Config   // TLS configuration
	CertFile    string        // path to TLS certificate (if TLSConfig not provided)
	KeyFile     string        // path to TLS private key (if TLSConfig not provided)
	IdleTimeout time.Duration // idle timeout between queries on one connection
}

// DefaultDoTConfig returns sensible defaults.
func DefaultDoTConfig() DoTConfig {
	return DoTConfig{Address: ":853", IdleTimeout: 30 * time.Second}
}

// DoTListener implements a DNS-over-TLS listener. It reuses the same
// length-prefixed framing as plain TCP (RFC 7858 section 3.3), wrapped
// inside a TLS handshake.
type DoTListener struct {
	mu        sync.Mutex
	cfg       DoTConfig
	tlsConfig *tls.Config
	handler   Handler
	listener  net.Listener
	running   bool
	wg        sync.WaitGroup
}

// NewDoTListener creates a new DNS-over-TLS listener.
func NewDoTListener(cfg DoTConfig, handler Handler) (*DoTListener, error) {
	if cfg.Address == "" {
		cfg.Address = DefaultDoTConfig().Address
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultDoTConfig().IdleTimeout
	}

	tlsConfig, err := resolveTLSConfig(cfg.TLSConfig, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	return &DoTListener{cfg: cfg, handler: handler, tlsConfig: tlsConfig}, nil
}

// resolveTLSConfig is factored out so DoH can share the same
// cert-or-config resolution logic.
func resolveTLSConfig(provided *tls.Config, certFile, keyFile string) (*tls.Config, error) {
	if provided != nil {
		return provided.Clone(), nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("transport: TLS configuration required: provide TLSConfig or CertFile/KeyFile")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("transport: load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start begins accepting TLS connections.
func (l *DoTListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("transport: dot listener already running")
	}

	ln, err := tls.Listen("tcp", l.cfg.Address, l.tlsConfig)
	if err != nil {
		return fmt.Errorf("transport: listen tls: %w", err)
	}
	l.listener = ln
	l.running = true

	go l.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (l *DoTListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	err := l.listener.Close()
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// Addr returns the listener's bound address, or nil if not started.
func (l *DoTListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

func (l *DoTListener) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.mu.Lock()
			running := l.running
			l.mu.Unlock()
			if !running {
				return
			}
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			serveStream(conn, l.handler, l.cfg.IdleTimeout, "dot")
		}()
	}
}
