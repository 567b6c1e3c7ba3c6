// Package peer implements PeerLink: one TCP connection's handshake,
// framing, and back-pressured send queue (spec §4.3).
package peer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"golang.org/x/time/rate"

	"github.com/tanmoymaji275/bittorrent-client/internal/errs"
	"github.com/tanmoymaji275/bittorrent-client/internal/wire"
)

// sendQueueCap is the outbound message backlog before Send fails with
// ErrSlowPeer (spec §4.3).
const sendQueueCap = 256

const (
	handshakeTimeout = 10 * time.Second
	keepAliveEvery   = 2 * time.Minute
	idleDropAfter    = 2 * time.Minute
)

// ErrSlowPeer is returned by Send when the outbound queue is full
// (spec §7 ResourceExhausted).
var ErrSlowPeer = fmt.Errorf("%w: peer outbound queue full", errs.ErrResourceExhausted)

// State mirrors the choke/interest flags of spec.md §3's PeerState.
type State struct {
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
}

// Link owns one peer's socket, its framing buffers, and its send
// queue. Its PeerState fields are read by SessionCoordinator via
// Snapshot, never mutated directly from outside the Link's own
// goroutines (spec §3 ownership note).
type Link struct {
	ID        string // "ip:port", dial target / remote address
	PeerID    [20]byte
	conn      net.Conn
	infoHash  [20]byte
	localID   [20]byte
	numPieces int

	outbound chan wire.Message
	inbound  chan wire.Message

	limiter *rate.Limiter

	mu           sync.Mutex
	state        State
	peerBitfield bitmap.Bitmap
	lastSent     time.Time
	lastRecv     time.Time
	closed       bool
}

// Dial opens a TCP connection to addr and performs the handshake.
func Dial(ctx context.Context, addr string, infoHash, localID [20]byte, numPieces int, uploadLimiter *rate.Limiter) (*Link, error) {
	d := net.Dialer{Timeout: handshakeTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}
	l, err := newLink(addr, conn, infoHash, localID, numPieces, uploadLimiter)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := l.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

// Accept wraps an already-established inbound connection, performing
// the responder side of the handshake.
func Accept(conn net.Conn, infoHash, localID [20]byte, numPieces int, uploadLimiter *rate.Limiter) (*Link, error) {
	l, err := newLink(conn.RemoteAddr().String(), conn, infoHash, localID, numPieces, uploadLimiter)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := l.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return l, nil
}

func newLink(id string, conn net.Conn, infoHash, localID [20]byte, numPieces int, uploadLimiter *rate.Limiter) (*Link, error) {
	if numPieces <= 0 {
		return nil, fmt.Errorf("peer: numPieces must be positive")
	}
	return &Link{
		ID:        id,
		conn:      conn,
		infoHash:  infoHash,
		localID:   localID,
		numPieces: numPieces,
		outbound:  make(chan wire.Message, sendQueueCap),
		inbound:   make(chan wire.Message, sendQueueCap),
		limiter:   uploadLimiter,
		state:     State{AmChoking: true, PeerChoking: true},
	}, nil
}

func (l *Link) handshake() error {
	l.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer l.conn.SetDeadline(time.Time{})

	if err := wire.WriteHandshake(l.conn, wire.Handshake{InfoHash: l.infoHash, PeerID: l.localID}); err != nil {
		return fmt.Errorf("peer: send handshake: %w", err)
	}
	hs, err := wire.ReadHandshake(l.conn)
	if err != nil {
		return fmt.Errorf("peer: read handshake: %w", err)
	}
	if hs.InfoHash != l.infoHash {
		return fmt.Errorf("%w: info_hash mismatch", errs.ErrProtocol)
	}
	if hs.PeerID == l.localID {
		return fmt.Errorf("%w: peer_id equals local id (self-connect)", errs.ErrProtocol)
	}
	l.PeerID = hs.PeerID
	l.peerBitfield = bitmap.New(l.numPieces)
	// Idle timers count from the completed handshake.
	l.lastRecv = time.Now()
	l.lastSent = l.lastRecv
	return nil
}

// Run drives the read/write pumps until the connection fails or ctx
// is cancelled. It blocks; callers run it in its own goroutine.
func (l *Link) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go l.readLoop(readErr)

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()
	idleCheck := time.NewTicker(30 * time.Second)
	defer idleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case err := <-readErr:
			l.Close()
			return err
		case msg := <-l.outbound:
			if err := l.writeOne(msg); err != nil {
				l.Close()
				return err
			}
		case <-keepAlive.C:
			l.mu.Lock()
			idle := time.Since(l.lastSent) >= keepAliveEvery
			l.mu.Unlock()
			if idle {
				if err := l.writeOne(wire.KeepAliveMessage()); err != nil {
					l.Close()
					return err
				}
			}
		case <-idleCheck.C:
			l.mu.Lock()
			since := time.Since(l.lastRecv)
			l.mu.Unlock()
			if since >= idleDropAfter {
				l.Close()
				return fmt.Errorf("peer: idle timeout")
			}
		}
	}
}

func (l *Link) writeOne(msg wire.Message) error {
	if msg.ID == wire.Piece && l.limiter != nil {
		_ = l.limiter.WaitN(context.Background(), len(msg.Block))
	}
	if err := wire.WriteMessage(l.conn, msg); err != nil {
		return err
	}
	l.mu.Lock()
	l.lastSent = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *Link) readLoop(errc chan<- error) {
	for {
		msg, err := wire.ReadMessage(l.conn)
		if err != nil {
			errc <- err
			return
		}
		l.mu.Lock()
		l.lastRecv = time.Now()
		l.mu.Unlock()
		if msg.KeepAlive || msg.Unknown {
			continue
		}
		l.applyLocalState(msg)
		select {
		case l.inbound <- msg:
		default:
			errc <- fmt.Errorf("%w: inbound backlog overflow", errs.ErrResourceExhausted)
			return
		}
	}
}

// applyLocalState updates the choke/interest/bitfield flags that a
// Link is authoritative over, ahead of the message reaching the
// caller's Messages() consumer (spec §3: PeerState co-owned via
// message passing, not shared mutation — this keeps the flags
// consistent for Snapshot regardless of consumer scheduling).
func (l *Link) applyLocalState(msg wire.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch msg.ID {
	case wire.Choke:
		l.state.PeerChoking = true
	case wire.Unchoke:
		l.state.PeerChoking = false
	case wire.Interested:
		l.state.PeerInterested = true
	case wire.NotInterested:
		l.state.PeerInterested = false
	case wire.Have:
		if l.peerBitfield != nil && int(msg.Index) < l.numPieces {
			l.peerBitfield.Set(int(msg.Index), true)
		}
	case wire.Bitfield:
		bf := bitmap.Bitmap(msg.Bitfield)
		for i := 0; i < l.numPieces; i++ {
			if bitmap.Get(bf, i) {
				l.peerBitfield.Set(i, true)
			}
		}
	}
}

// Send enqueues msg for delivery. Non-blocking: returns ErrSlowPeer
// if the outbound queue is full (spec §4.3).
func (l *Link) Send(msg wire.Message) error {
	if !msg.KeepAlive {
		l.mu.Lock()
		switch msg.ID {
		case wire.Choke:
			l.state.AmChoking = true
		case wire.Unchoke:
			l.state.AmChoking = false
		case wire.Interested:
			l.state.AmInterested = true
		case wire.NotInterested:
			l.state.AmInterested = false
		}
		l.mu.Unlock()
	}
	select {
	case l.outbound <- msg:
		return nil
	default:
		return ErrSlowPeer
	}
}

// Messages returns the channel of parsed inbound application messages
// (keep-alives and unknown ids are filtered out before reaching it).
func (l *Link) Messages() <-chan wire.Message {
	return l.inbound
}

// Snapshot returns a copy of the current choke/interest state and the
// peer's claimed bitfield.
func (l *Link) Snapshot() (State, bitmap.Bitmap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bf := make(bitmap.Bitmap, len(l.peerBitfield))
	copy(bf, l.peerBitfield)
	return l.state, bf
}

// Close tears down the connection. Safe to call multiple times.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.conn.Close()
}

var _ io.Closer = (*Link)(nil)
