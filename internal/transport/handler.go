// Package transport provides DNS transport listeners: plain UDP and TCP,
// DNS-over-TLS (RFC 7858) and DNS-over-HTTPS (RFC 8484). Every listener
// decodes the wire format into a *wire.Message, dispatches it to a single
// Handler, and re-encodes whatever comes back — the listeners carry no
// resolution, caching or policy logic of their own.
package transport

import (
	"context"
	"net"

	"github.com/dnsscience/heimdall/internal/wire"
)

// Handler answers one DNS query. clientIP is the originating address as
// seen by the listener (the real client for UDP/TCP/DoT, the request's
// remote address for DoH — XFF-style proxy headers are not trusted).
// querySize is the original wire length in bytes, before parsing; the
// validation layer needs it for its amplification-probe heuristic
// (small query, large-response qtype) which a parsed *wire.Message no
// longer carries.
//
// A nil response with a nil error means the query should be silently
// dropped: no bytes go back on the wire. This is how rate-limit DROP
// and blocklist DROP actions surface through the transport layer.
type Handler interface {
	HandleDNS(ctx context.Context, query *wire.Message, clientIP net.IP, querySize int) (*wire.Message, error)
}

// HandlerFunc adapts a plain function to a Handler.
type HandlerFunc func(ctx context.Context, query *wire.Message, clientIP net.IP, querySize int) (*wire.Message, error)

func (f HandlerFunc) HandleDNS(ctx context.Context, query *wire.Message, clientIP net.IP, querySize int) (*wire.Message, error) {
	return f(ctx, query, clientIP, querySize)
}

type protocolKey struct{}

// WithProtocol tags ctx with the transport protocol ("udp", "tcp", "dot",
// "doh") a listener received the query over, for handlers that want to
// label metrics by protocol without the Handler interface itself needing
// to know about it.
func WithProtocol(ctx context.Context, protocol string) context.Context {
	return context.WithValue(ctx, protocolKey{}, protocol)
}

// ProtocolFromContext returns the protocol WithProtocol attached to ctx,
// or "unknown" if none was set.
func ProtocolFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(protocolKey{}).(string); ok {
		return p
	}
	return "unknown"
}

// servfail builds a minimal SERVFAIL reply to req, preserving the
// client's transaction ID and question so malformed or failed queries
// still get a response shaped like one the client can match.
func servfail(req *wire.Message) *wire.Message {
	resp := &wire.Message{
		Header: wire.Header{
			ID:     req.Header.ID,
			QR:     true,
			Opcode: req.Header.Opcode,
			RD:     req.Header.RD,
			RA:     true,
			Rcode:  wire.RcodeServerFailure,
		},
	}
	if len(req.Question) > 0 {
		resp.Question = []wire.Question{req.Question[0]}
		resp.Header.QDCount = 1
	}
	return resp
}

// formatError builds a FORMERR reply for a request too malformed to
// carry a question at all (still stamped with whatever header fields we
// could recover, so the client can at least match the transaction ID).
func formatError(id uint16) *wire.Message {
	return &wire.Message{
		Header: wire.Header{
			ID:    id,
			QR:    true,
			RA:    true,
			Rcode: wire.RcodeFormatError,
		},
	}
}
