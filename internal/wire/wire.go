// Package wire implements the BitTorrent peer wire protocol codec: the
// 68-byte handshake and the length-prefixed message framing described in
// BEP 3. It does not own a socket — PeerLink does that — it only encodes
// and decodes bytes.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tanmoymaji275/bittorrent-client/internal/errs"
)

// Message ids, per BEP 3.
const (
	Choke byte = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

const (
	// ProtocolName is the pstr of the handshake's protocol string.
	ProtocolName = "BitTorrent protocol"
	// HandshakeLen is the fixed wire length of a handshake.
	HandshakeLen = 49 + len(ProtocolName)
	// BlockSize is the standard block size requested/served on the wire.
	BlockSize = 16 * 1024
	// maxMessageLen guards against a peer claiming an absurd frame length;
	// a block payload plus the 9-byte piece header is the largest legal
	// message, so anything past a few times BlockSize is malformed.
	maxMessageLen = 4 + BlockSize*2
)

// Handshake is the 68-byte opening exchange.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// WriteHandshake writes the 68-byte handshake to w.
func WriteHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolName)))
	buf = append(buf, ProtocolName...)
	buf = append(buf, make([]byte, 8)...) // reserved
	buf = append(buf, hs.InfoHash[:]...)
	buf = append(buf, hs.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates the 68-byte handshake from r. The
// caller is responsible for any read deadline.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hs, fmt.Errorf("read handshake: %w", err)
	}
	pstrlen := int(buf[0])
	if pstrlen != len(ProtocolName) || string(buf[1:1+pstrlen]) != ProtocolName {
		return hs, fmt.Errorf("%w: unrecognized protocol string", ErrMalformed)
	}
	off := 1 + pstrlen + 8
	copy(hs.InfoHash[:], buf[off:off+20])
	copy(hs.PeerID[:], buf[off+20:off+40])
	return hs, nil
}

// ErrMalformed marks a frame or handshake that violates the wire format.
// It wraps errs.ErrProtocol so callers can classify by category or by
// this package's specific sentinel.
var ErrMalformed = fmt.Errorf("%w: malformed frame", errs.ErrProtocol)

// Message is a decoded peer wire message. ID is meaningless when
// KeepAlive is true. Unknown is set for message ids outside 0-8 and
// for the DHT port message (9), so callers can silently discard them
// for forward compatibility, per BEP 3/5/6/10.
type Message struct {
	KeepAlive bool
	Unknown   bool
	ID        byte
	Index     uint32
	Begin     uint32
	Length    uint32 // Request and Cancel only
	Block     []byte // Piece only
	Bitfield  []byte // Bitfield only
}

// ReadMessage reads one length-prefixed frame from r.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > maxMessageLen {
		return Message{}, fmt.Errorf("%w: frame length %d exceeds limit", ErrMalformed, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	id := body[0]
	payload := body[1:]
	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(payload) != 0 {
			return Message{}, fmt.Errorf("%w: id %d expects empty payload", ErrMalformed, id)
		}
	case Have:
		if len(payload) != 4 {
			return Message{}, fmt.Errorf("%w: have payload length %d", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case Bitfield:
		m.Bitfield = payload
	case Request, Cancel:
		if len(payload) != 12 {
			return Message{}, fmt.Errorf("%w: request/cancel payload length %d", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case Piece:
		if len(payload) < 8 {
			return Message{}, fmt.Errorf("%w: piece payload too short", ErrMalformed)
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case Port:
		// 2-byte DHT port, not implemented; the payload is dropped and
		// the message is flagged like an unknown/extension id.
		m.Unknown = true
	default:
		m.Unknown = true
	}
	return m, nil
}

// WriteMessage encodes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	if m.KeepAlive {
		_, err := w.Write([]byte{0, 0, 0, 0})
		return err
	}
	b := &bytes.Buffer{}
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		binary.Write(b, binary.BigEndian, uint32(1))
		b.WriteByte(m.ID)
	case Have:
		binary.Write(b, binary.BigEndian, uint32(5))
		b.WriteByte(m.ID)
		binary.Write(b, binary.BigEndian, m.Index)
	case Bitfield:
		binary.Write(b, binary.BigEndian, uint32(1+len(m.Bitfield)))
		b.WriteByte(m.ID)
		b.Write(m.Bitfield)
	case Request, Cancel:
		binary.Write(b, binary.BigEndian, uint32(13))
		b.WriteByte(m.ID)
		binary.Write(b, binary.BigEndian, m.Index)
		binary.Write(b, binary.BigEndian, m.Begin)
		binary.Write(b, binary.BigEndian, m.Length)
	case Piece:
		binary.Write(b, binary.BigEndian, uint32(9+len(m.Block)))
		b.WriteByte(m.ID)
		binary.Write(b, binary.BigEndian, m.Index)
		binary.Write(b, binary.BigEndian, m.Begin)
		b.Write(m.Block)
	default:
		return fmt.Errorf("%w: unsupported outbound message id %d", ErrMalformed, m.ID)
	}
	_, err := w.Write(b.Bytes())
	return err
}

// KeepAliveMessage is the zero-length keep-alive frame.
func KeepAliveMessage() Message { return Message{KeepAlive: true} }
