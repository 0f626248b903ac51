package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/dnsscience/heimdall/internal/pool"
	"github.com/dnsscience/heimdall/internal/telemetry"
	"github.com/dnsscience/heimdall/internal/wire"
)

// RFC 1035 section 2.3.4's default UDP response size and the practical
// ceiling an EDNS0 payload-size request is clamped to (spec.md section
// 4.10).
const (
	minUDPResponseSize = 512
	maxUDPResponseSize = 4096
)

// UDPConfig holds configuration for the plain UDP listener.
type UDPConfig struct {
	Address    string // listen address, e.g. ":53"
	NumWorkers int    // goroutines pulling off the single *net.UDPConn
}

// DefaultUDPConfig returns sensible defaults.
func DefaultUDPConfig() UDPConfig {
	return UDPConfig{Address: ":53", NumWorkers: 4}
}

// UDPListener is a worker-pool UDP DNS listener. A fixed number of
// goroutines share one socket, each parsing, dispatching and replying to
// one packet at a time — avoiding the per-packet goroutine spawn of a
// naive accept loop under query flood.
type UDPListener struct {
	mu      sync.Mutex
	cfg     UDPConfig
	handler Handler

	conn    *net.UDPConn
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	statsMu     sync.Mutex
	packetsRecv uint64
	packetsSent uint64
	parseErrors uint64
	dropped     uint64
}

// NewUDPListener creates a new UDP listener.
func NewUDPListener(cfg UDPConfig, handler Handler) *UDPListener {
	if cfg.Address == "" {
		cfg.Address = DefaultUDPConfig().Address
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultUDPConfig().NumWorkers
	}
	return &UDPListener{cfg: cfg, handler: handler, done: make(chan struct{})}
}

// Start opens the socket and begins serving.
func (l *UDPListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("transport: udp listener already running")
	}

	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("transport: resolve udp addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen udp: %w", err)
	}
	conn.SetReadBuffer(4 * 1024 * 1024)
	conn.SetWriteBuffer(4 * 1024 * 1024)

	l.conn = conn
	l.done = make(chan struct{})
	l.running = true

	for i := 0; i < l.cfg.NumWorkers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return nil
}

// Stop closes the socket and waits for in-flight workers to drain.
func (l *UDPListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.done)
	err := l.conn.Close()
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// Addr returns the bound local address, or nil if not started.
func (l *UDPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.LocalAddr()
	}
	return nil
}

func (l *UDPListener) worker() {
	defer l.wg.Done()
	buf := pool.GetLargeBuffer()
	defer pool.PutLargeBuffer(buf)

	for {
		select {
		case <-l.done:
			return
		default:
		}

		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				continue
			}
		}

		l.statsMu.Lock()
		l.packetsRecv++
		l.statsMu.Unlock()

		l.handlePacket(append([]byte(nil), buf[:n]...), addr)
	}
}

func (l *UDPListener) handlePacket(packet []byte, addr *net.UDPAddr) {
	req, err := wire.Parse(packet)
	if err != nil {
		l.statsMu.Lock()
		l.parseErrors++
		l.statsMu.Unlock()
		// not enough of the header survived to build even a FORMERR
		if len(packet) < 2 {
			return
		}
		id := uint16(packet[0])<<8 | uint16(packet[1])
		l.reply(wire.Marshal(formatError(id)), addr)
		return
	}
	if req.Header.QR {
		return // never answer a response packet
	}

	ctx := WithProtocol(context.Background(), "udp")
	resp, err := l.handler.HandleDNS(ctx, req, addr.IP, len(packet))
	if err != nil {
		l.reply(wire.Marshal(servfail(req)), addr)
		return
	}
	if resp == nil {
		l.statsMu.Lock()
		l.dropped++
		l.statsMu.Unlock()
		return
	}

	out := wire.Marshal(resp)
	if len(out) > 65535 {
		return
	}

	if limit := clampUDPSize(req.UDPSize()); len(out) > limit {
		out = wire.Marshal(truncatedResponse(resp))
		telemetry.TruncatedResponses.Inc()
	}
	l.reply(out, addr)
}

// clampUDPSize bounds a requester's advertised EDNS0 payload size to
// [minUDPResponseSize, maxUDPResponseSize], per spec.md section 4.10.
func clampUDPSize(size int) int {
	if size < minUDPResponseSize {
		return minUDPResponseSize
	}
	if size > maxUDPResponseSize {
		return maxUDPResponseSize
	}
	return size
}

// truncatedResponse synthesizes spec.md section 4.10's minimal oversize
// reply: id and question preserved, OPT preserved if present, every other
// record section cleared, TC set so the client retries over TCP.
func truncatedResponse(resp *wire.Message) *wire.Message {
	out := &wire.Message{
		Header:   resp.Header,
		Question: resp.Question,
	}
	out.Header.TC = true
	out.Header.ANCount = 0
	out.Header.NSCount = 0
	out.Header.ARCount = 0
	if opt := resp.OPT(); opt != nil {
		out.Additional = []wire.ResourceRecord{*opt}
		out.Header.ARCount = 1
	}
	return out
}

func (l *UDPListener) reply(out []byte, addr *net.UDPAddr) {
	if _, err := l.conn.WriteToUDP(out, addr); err == nil {
		l.statsMu.Lock()
		l.packetsSent++
		l.statsMu.Unlock()
	}
}

// Stats returns a snapshot of listener counters.
func (l *UDPListener) Stats() map[string]uint64 {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return map[string]uint64{
		"packets_recv": l.packetsRecv,
		"packets_sent": l.packetsSent,
		"parse_errors": l.parseErrors,
		"dropped":      l.dropped,
	}
}
