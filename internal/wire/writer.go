package wire

import (
	"encoding/binary"
)

// Writer serializes a Message back to wire format. It never emits
// compression pointers: every name is written in full. This trades a few
// bytes of output size for a much simpler and more obviously correct
// encoder — the decoder is where compression-handling complexity belongs,
// since it has to cope with whatever a remote peer sent.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with a starting capacity large enough for a
// typical DNS message, grown automatically as needed.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 512)}
}

// Bytes returns the serialized message so far.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) writeUint16(v uint16) {
	w.buf = append(w.buf, byte(v>>8), byte(v))
}

func (w *Writer) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) writeBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteName appends n in full (uncompressed) label-length-prefixed form,
// terminated by the zero-length root label. For the root name itself this
// writes exactly one zero byte — the edge case a naive implementation that
// special-cases "no labels" as "write nothing" gets wrong.
func (w *Writer) WriteName(n Name) {
	for _, l := range n.Labels {
		w.buf = append(w.buf, byte(len(l)))
		w.buf = append(w.buf, l...)
	}
	w.buf = append(w.buf, 0)
}

// WriteHeader appends the 12-byte header.
func (w *Writer) WriteHeader(h Header) {
	w.writeUint16(h.ID)

	var flags uint16
	if h.QR {
		flags |= 0x8000
	}
	flags |= uint16(h.Opcode&0x0F) << 11
	if h.AA {
		flags |= 0x0400
	}
	if h.TC {
		flags |= 0x0200
	}
	if h.RD {
		flags |= 0x0100
	}
	if h.RA {
		flags |= 0x0080
	}
	if h.Z != 0 {
		flags |= 0x0040
	}
	if h.AD {
		flags |= 0x0020
	}
	if h.CD {
		flags |= 0x0010
	}
	flags |= uint16(h.Rcode & 0x0F)
	w.writeUint16(flags)

	w.writeUint16(h.QDCount)
	w.writeUint16(h.ANCount)
	w.writeUint16(h.NSCount)
	w.writeUint16(h.ARCount)
}

// WriteQuestion appends a question section entry.
func (w *Writer) WriteQuestion(q Question) {
	w.WriteName(q.Name)
	w.writeUint16(q.Type)
	w.writeUint16(q.Class)
}

// WriteRR appends a resource record. When rr.Parsed holds a recognized
// RData* type its canonical encoding is used (so a record re-parsed from a
// compressed source re-serializes correctly); otherwise RawRData is
// emitted verbatim, which is only safe when the original message had no
// compression pointers inside that record's RDATA — true for opaque record
// types (TXT, unknown types) by construction, since those never embed a
// name.
func (w *Writer) WriteRR(rr ResourceRecord) {
	w.WriteName(rr.Name)
	w.writeUint16(rr.Type)
	w.writeUint16(rr.Class)
	w.writeUint32(rr.TTL)

	rdata := rr.RawRData
	if rr.Parsed != nil {
		if enc, ok := rr.Parsed.(rdataEncoder); ok {
			rdata = enc.encodeRData()
		}
	}
	w.writeUint16(uint16(len(rdata)))
	w.writeBytes(rdata)
}

// WriteMessage serializes an entire message.
func (w *Writer) WriteMessage(m *Message) []byte {
	w.WriteHeader(m.Header)
	for _, q := range m.Question {
		w.WriteQuestion(q)
	}
	for _, rr := range m.Answer {
		w.WriteRR(rr)
	}
	for _, rr := range m.Authority {
		w.WriteRR(rr)
	}
	for _, rr := range m.Additional {
		w.WriteRR(rr)
	}
	return w.buf
}

// Marshal serializes m into a fresh buffer. Convenience wrapper around
// Writer for callers that do not need to reuse the writer.
func Marshal(m *Message) []byte {
	w := NewWriter()
	return w.WriteMessage(m)
}

// Parse is a convenience wrapper around Parser for one-shot decoding.
func Parse(msg []byte) (*Message, error) {
	return NewParser(msg).Parse()
}
