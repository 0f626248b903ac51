package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dnsscience/heimdall/internal/wire"
)

// TCPConfig holds configuration for the plain TCP listener.
type TCPConfig struct {
	Address      string        // listen address, e.g. ":53"
	IdleTimeout  time.Duration // how long a connection may sit idle between queries
}

// DefaultTCPConfig returns sensible defaults.
func DefaultTCPConfig() TCPConfig {
	return TCPConfig{Address: ":53", IdleTimeout: 30 * time.Second}
}

// TCPListener serves DNS-over-TCP, RFC 1035 section 4.2.2 framing: each
// message is prefixed with its length as a 16-bit big-endian integer.
// DoT wraps the same framing inside TLS, so readMessage/writeMessage
// below are shared with DoTListener.
type TCPListener struct {
	mu       sync.Mutex
	cfg      TCPConfig
	handler  Handler
	listener net.Listener
	running  bool
	wg       sync.WaitGroup
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(cfg TCPConfig, handler Handler) *TCPListener {
	if cfg.Address == "" {
		cfg.Address = DefaultTCPConfig().Address
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultTCPConfig().IdleTimeout
	}
	return &TCPListener{cfg: cfg, handler: handler}
}

// Start begins accepting connections.
func (l *TCPListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("transport: tcp listener already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("transport: listen tcp: %w", err)
	}
	l.listener = ln
	l.running = true

	go l.acceptLoop()
	return nil
}

// Stop closes the listener and waits for in-flight connections to drain.
func (l *TCPListener) Stop() error {
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
func (l *TCPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr()
	}
	return nil
}

func (l *TCPListener) acceptLoop() {
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
			serveStream(conn, l.handler, l.cfg.IdleTimeout, "tcp")
		}()
	}
}

// serveStream drives the length-prefixed query/response loop over conn
// until the peer closes the connection, the idle timeout fires, or a
// frame fails to parse. It is shared by plain TCP and DoT, which differ
// only in how conn was obtained (raw socket vs. completed TLS handshake).
func serveStream(conn net.Conn, handler Handler, idleTimeout time.Duration, protocol string) {
	defer conn.Close()

	clientIP := remoteIP(conn)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	ctx := WithProtocol(context.Background(), protocol)

	for {
		req, size, err := readMessage(conn)
		if err != nil {
			return
		}

		resp, err := handler.HandleDNS(ctx, req, clientIP, size)
		if err != nil {
			resp = servfail(req)
		}
		if resp != nil {
			if err := writeMessage(conn, resp); err != nil {
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

func remoteIP(conn net.Conn) net.IP {
	switch addr := conn.RemoteAddr().(type) {
	case *net.TCPAddr:
		return addr.IP
	default:
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

func readMessage(conn net.Conn) (*wire.Message, int, error) {
	var length [2]byte
	if _, err := io.ReadFull(conn, length[:]); err != nil {
		return nil, 0, err
	}
	msgLen := binary.BigEndian.Uint16(length[:])
	if msgLen == 0 {
		return nil, 0, fmt.Errorf("transport: zero-length tcp frame")
	}

	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, 0, err
	}
	msg, err := wire.Parse(buf)
	return msg, int(msgLen), err
}

func writeMessage(conn net.Conn, msg *wire.Message) error {
	out := wire.Marshal(msg)
	if len(out) > 65535 {
		return fmt.Errorf("transport: message too large for tcp framing: %d bytes", len(out))
	}

	framed := make([]byte, 2+len(out))
	binary.BigEndian.PutUint16(framed[:2], uint16(len(out)))
	copy(framed[2:], out)

	_, err := conn.Write(framed)
	return err
}
