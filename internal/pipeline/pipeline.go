// Package pipeline implements RequestPipeline: per-peer sliding window
// of outstanding block requests, refill-on-arrival, choke/have
// handling, and per-request timeouts (spec §4.4).
package pipeline

import (
	"context"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"github.com/tanmoymaji275/bittorrent-client/internal/peer"
	"github.com/tanmoymaji275/bittorrent-client/internal/piece"
	"github.com/tanmoymaji275/bittorrent-client/internal/scorer"
	"github.com/tanmoymaji275/bittorrent-client/internal/wire"
)

// Window is the sliding-window size W (spec §4.4).
const Window = 50

// RequestTimeout is how long an in-flight request waits before being
// rescinded and penalized (spec §4.4 step 5).
const RequestTimeout = 30 * time.Second

const timeoutScanInterval = 5 * time.Second

type blockKey struct {
	piece, block int
}

// Pipeline drives block requests for one connected peer against a
// shared PieceStore. One Pipeline exists per PeerLink.
type Pipeline struct {
	peerID string
	link   *peer.Link
	store  *piece.Store
	scorer *scorer.Scorer

	// ModeFn reports whether the session is currently in endgame;
	// consulted fresh on every reserve so a global transition takes
	// effect immediately for every active pipeline.
	ModeFn func() piece.Mode

	// OnPieceComplete, if set, is invoked (outside any lock) whenever
	// this pipeline completes a piece, so the caller can broadcast
	// HAVE and, in endgame, cancel the block elsewhere.
	OnPieceComplete func(index int)
	// OnPieceCorrupt is invoked with the peers implicated in a hash
	// mismatch so the caller can apply bans.
	OnPieceCorrupt func(index int, involved []string)

	activePiece  int // -1 when none reserved
	inFlight     map[blockKey]time.Time
	peerBitfield bitmap.Bitmap

	cancelPiece chan int
}

// New constructs a Pipeline for the given peer connection.
func New(peerID string, link *peer.Link, store *piece.Store, sc *scorer.Scorer) *Pipeline {
	return &Pipeline{
		peerID:      peerID,
		link:        link,
		store:       store,
		scorer:      sc,
		ModeFn:      func() piece.Mode { return piece.Normal },
		activePiece: -1,
		inFlight:    make(map[blockKey]time.Time),
		cancelPiece: make(chan int, 8),
	}
}

// CancelPiece asynchronously tells this pipeline to rescind any
// in-flight requests for index and release its reservation, e.g.
// because another peer's delivery completed the piece first during
// endgame (spec §4.4 Endgame mode; spec §8 endgame scenario). Safe to
// call from any goroutine; non-blocking.
func (p *Pipeline) CancelPiece(index int) {
	select {
	case p.cancelPiece <- index:
	default:
	}
}

// Run consumes the link's inbound messages and drives the request
// window until ctx is cancelled or the link closes.
func (p *Pipeline) Run(ctx context.Context) {
	timeouts := time.NewTicker(timeoutScanInterval)
	defer timeouts.Stop()

	for {
		select {
		case <-ctx.Done():
			p.store.ReleasePeerPiece(p.peerID, p.activePiece)
			return
		case msg, ok := <-p.link.Messages():
			if !ok {
				p.store.ReleasePeerPiece(p.peerID, p.activePiece)
				return
			}
			p.handle(msg)
		case <-timeouts.C:
			p.reapTimeouts()
		case index := <-p.cancelPiece:
			p.handleCancelPiece(index)
		}
	}
}

// handleCancelPiece rescinds every in-flight request this pipeline
// holds for index, sending CANCEL for each so the peer stops sending
// blocks we no longer need, then releases the reservation if index was
// our active piece (spec §4.4, §8).
func (p *Pipeline) handleCancelPiece(index int) {
	for k := range p.inFlight {
		if k.piece != index {
			continue
		}
		delete(p.inFlight, k)
		p.link.Send(wire.Message{
			ID:     wire.Cancel,
			Index:  uint32(k.piece),
			Begin:  uint32(k.block * piece.BlockSize),
			Length: uint32(piece.BlockSize),
		})
	}
	if p.activePiece == index {
		p.activePiece = -1
		p.store.ReleasePeerPiece(p.peerID, index)
	}
	p.refill()
}

func (p *Pipeline) handle(msg wire.Message) {
	switch msg.ID {
	case wire.Choke:
		p.dropInFlight()
	case wire.Unchoke:
		p.refill()
	case wire.Have:
		p.maybeBecomeInterested()
	case wire.Bitfield:
		p.maybeBecomeInterested()
	case wire.Piece:
		p.onBlock(msg)
	}
}

// dropInFlight clears in-flight bookkeeping on an incoming choke
// (spec §4.4 step 3): the blocks are not lost, just no longer tracked
// as outstanding so they can be re-requested once unchoked or
// reserved by another peer in endgame.
func (p *Pipeline) dropInFlight() {
	p.inFlight = make(map[blockKey]time.Time)
}

func (p *Pipeline) maybeBecomeInterested() {
	snap, bf := p.link.Snapshot()
	p.peerBitfield = bf
	if snap.AmInterested {
		return
	}
	clientBF := p.store.BitField()
	for i := 0; i < len(bf)*8; i++ {
		if bitmap.Get(bf, i) && !bitmap.Get(clientBF, i) {
			p.link.Send(wire.Message{ID: wire.Interested})
			p.refill()
			return
		}
	}
}

// onBlock handles an inbound piece message: clears the matching
// in-flight entry, forwards the block, updates the rate sample, and
// refills the window (spec §4.4 step 2).
func (p *Pipeline) onBlock(msg wire.Message) {
	blockIdx := int(msg.Begin) / piece.BlockSize
	key := blockKey{int(msg.Index), blockIdx}
	if _, ok := p.inFlight[key]; !ok {
		return // unsolicited or already-timed-out block; ignore
	}
	delete(p.inFlight, key)
	p.scorer.RecordBytes(p.peerID, len(msg.Block))

	outcome, err := p.store.SubmitBlock(int(msg.Index), int(msg.Begin), msg.Block, p.peerID)
	if err != nil {
		return
	}
	if outcome.PieceComplete {
		p.activePiece = -1
		if p.OnPieceComplete != nil {
			p.OnPieceComplete(int(msg.Index))
		}
	} else if outcome.PieceCorrupt {
		p.activePiece = -1
		if p.OnPieceCorrupt != nil {
			involved := make([]string, 0, outcome.InvolvedPeers.Cardinality())
			for v := range outcome.InvolvedPeers.Iter() {
				involved = append(involved, v.(string))
			}
			p.OnPieceCorrupt(int(msg.Index), involved)
		}
	}
	p.refill()
}

// reapTimeouts rescinds any request outstanding past RequestTimeout,
// penalizing the peer's scorer sample for it (spec §4.4 step 5).
func (p *Pipeline) reapTimeouts() {
	now := time.Now()
	for k, sentAt := range p.inFlight {
		if now.Sub(sentAt) < RequestTimeout {
			continue
		}
		delete(p.inFlight, k)
		p.scorer.RecordTimeout(p.peerID)
		p.link.Send(wire.Message{
			ID:     wire.Cancel,
			Index:  uint32(k.piece),
			Begin:  uint32(k.block * piece.BlockSize),
			Length: uint32(piece.BlockSize),
		})
	}
	p.refill()
}

// refill implements the sliding-window fill algorithm (spec §4.4 step 1).
func (p *Pipeline) refill() {
	snap, bf := p.link.Snapshot()
	if snap.PeerChoking || !snap.AmInterested {
		return
	}
	p.peerBitfield = bf

	for len(p.inFlight) < Window {
		if p.activePiece < 0 {
			mode := p.ModeFn()
			idx, ok := p.store.ReservePiece(p.peerID, p.peerBitfield, mode)
			if !ok {
				if mode == piece.Normal {
					p.link.Send(wire.Message{ID: wire.NotInterested})
				}
				return
			}
			p.activePiece = idx
		}
		blocks := p.store.PendingBlocks(p.activePiece)
		sent := false
		for _, b := range blocks {
			k := blockKey{b.Index, b.Offset / piece.BlockSize}
			if _, ok := p.inFlight[k]; ok {
				continue
			}
			p.inFlight[k] = time.Now()
			p.link.Send(wire.Message{
				ID:     wire.Request,
				Index:  uint32(b.Index),
				Begin:  uint32(b.Offset),
				Length: uint32(b.Length),
			})
			sent = true
			if len(p.inFlight) >= Window {
				return
			}
		}
		if !sent {
			if len(blocks) == 0 {
				// piece finished between PendingBlocks calls; free the
				// slot and let the next iteration reserve another.
				p.activePiece = -1
				continue
			}
			// every remaining block of this piece is already in-flight;
			// nothing more to send until one completes or times out.
			return
		}
	}
}
