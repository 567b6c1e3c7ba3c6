// Package piece implements PieceStore: translating (piece_index,
// offset, length) into file byte ranges, verifying piece integrity
// against the torrent's SHA-1 hashes, and owning the completion
// bitfield (spec §4.1). All disk I/O is dispatched through a bounded
// worker pool so the network control path never blocks on a
// synchronous filesystem call (spec §5).
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"github.com/tanmoymaji275/bittorrent-client/internal/errs"
	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
	"github.com/tanmoymaji275/bittorrent-client/internal/storage"
)

// BlockSize is the fixed wire block size (spec §3).
const BlockSize = 16 * 1024

// State is a piece's lifecycle state (spec §3).
type State int

const (
	Missing State = iota
	Reserved
	Complete
	Corrupt
)

// Mode selects reservation policy: Normal (rarest-first, single
// holder) or Endgame (multiple holders allowed).
type Mode int

const (
	Normal Mode = iota
	Endgame
)

// minWorkers is the floor on the disk worker pool size (spec §4.1: "a
// bounded worker pool (≥4 workers)").
const minWorkers = 4

type blockSlot struct {
	have bool
	data []byte
}

type pieceEntry struct {
	state        State
	blocks       []blockSlot
	holders      mapset.Set // peer ids currently reserving this piece
	availability int        // number of connected peers known to have this piece
}

// BlockOutcome reports what happened after a block finished writing.
type BlockOutcome struct {
	PieceComplete bool
	PieceCorrupt  bool
	// InvolvedPeers is populated only when PieceCorrupt is true: every
	// peer that contributed a block to the failed piece.
	InvolvedPeers mapset.Set
}

// Store is PieceStore.
type Store struct {
	mi     *metainfo.MetaInfo
	layout *storage.Layout

	mu          sync.Mutex
	pieces      []*pieceEntry
	bitfield    bitmap.Bitmap
	numComplete int

	workers chan struct{}
	wg      sync.WaitGroup
	ioErr   error
}

// New constructs a Store for mi backed by layout. The worker pool size
// defaults to max(minWorkers, GOMAXPROCS).
func New(mi *metainfo.MetaInfo, layout *storage.Layout) *Store {
	workers := runtime.GOMAXPROCS(0)
	if workers < minWorkers {
		workers = minWorkers
	}
	s := &Store{
		mi:       mi,
		layout:   layout,
		bitfield: bitmap.New(mi.NumPieces()),
		workers:  make(chan struct{}, workers),
	}
	s.pieces = make([]*pieceEntry, mi.NumPieces())
	for i := range s.pieces {
		numBlocks := metainfo.NumBlocks(mi.PieceLen(i), BlockSize)
		s.pieces[i] = &pieceEntry{
			blocks:  make([]blockSlot, numBlocks),
			holders: mapset.NewSet(),
		}
	}
	return s
}

// Close waits for any in-flight disk operations to finish and closes
// the underlying file layout.
func (s *Store) Close() error {
	s.wg.Wait()
	return s.layout.Close()
}

// acquire/release bound concurrent disk operations to the worker pool
// size, without blocking the caller's goroutine scheduling beyond the
// semaphore wait itself — suspension here is the "hand-off to the disk
// worker pool" point called out in spec §5.
func (s *Store) acquire() { s.workers <- struct{}{} }
func (s *Store) release() { <-s.workers }

// VerifyExisting reads every piece currently on disk, hashes it, and
// returns the set of pieces that match — run once at startup (spec
// §4.1). It fans the read+hash work out across the worker pool so a
// large torrent doesn't serialize startup behind one goroutine.
func (s *Store) VerifyExisting() (bitmap.Bitmap, error) {
	type result struct {
		index int
		ok    bool
		err   error
	}
	results := make(chan result, s.mi.NumPieces())
	var wg sync.WaitGroup
	for i := 0; i < s.mi.NumPieces(); i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.acquire()
			defer s.release()
			ok, err := s.verifyOnDisk(i)
			results <- result{index: i, ok: ok, err: err}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	bf := bitmap.New(s.mi.NumPieces())
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		if r.ok {
			bf.Set(r.index, true)
		}
	}
	if firstErr != nil {
		return nil, fmt.Errorf("%w: verify existing: %w", errs.ErrIO, firstErr)
	}

	s.mu.Lock()
	for i := 0; i < s.mi.NumPieces(); i++ {
		if bf.Get(i) {
			s.pieces[i].state = Complete
			s.bitfield.Set(i, true)
			s.numComplete++
		}
	}
	s.mu.Unlock()
	return bf, nil
}

func (s *Store) verifyOnDisk(index int) (bool, error) {
	pieceOffset := int64(index) * int64(s.mi.PieceLength)
	data, err := s.layout.ReadAt(pieceOffset, s.mi.PieceLen(index))
	if err != nil {
		return false, fmt.Errorf("read piece %d: %w", index, err)
	}
	sum := sha1.Sum(data)
	return sum == s.mi.PieceHashes[index], nil
}

// BitField returns a copy of the completion bitfield suitable for
// sending in a BITFIELD wire message.
func (s *Store) BitField() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bitfield.Data(true)
}

// NumComplete returns the number of pieces verified Complete.
func (s *Store) NumComplete() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numComplete
}

// NumPieces returns the torrent's total piece count.
func (s *Store) NumPieces() int { return s.mi.NumPieces() }

// Missing returns the number of pieces not yet Complete.
func (s *Store) Missing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mi.NumPieces() - s.numComplete
}

// ReservedCount returns the number of pieces currently Reserved.
func (s *Store) ReservedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pieces {
		if p.state == Reserved {
			n++
		}
	}
	return n
}

// PeerHasPiece records that a connected peer claims to hold index,
// bumping its availability for rarest-first selection.
func (s *Store) PeerHasPiece(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return
	}
	s.pieces[index].availability++
}

// PeerGone releases every reservation peerID held and reverses the
// availability bump for every piece in bitfield — called when a
// PeerLink disconnects (spec §5 cancellation semantics).
func (s *Store) PeerGone(peerID string, peerBitfield bitmap.Bitmap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if peerBitfield != nil {
		for i := 0; i < len(s.pieces); i++ {
			if bitmap.Get(peerBitfield, i) && s.pieces[i].availability > 0 {
				s.pieces[i].availability--
			}
		}
	}
	for _, p := range s.pieces {
		if p.holders.Contains(peerID) {
			p.holders.Remove(peerID)
			if p.holders.Cardinality() == 0 && p.state == Reserved {
				p.state = Missing
				s.resetBlocks(p)
			}
		}
	}
}

func (s *Store) resetBlocks(p *pieceEntry) {
	for i := range p.blocks {
		p.blocks[i] = blockSlot{}
	}
}

// ReservePiece selects a piece peerID may download from peerBitfield,
// rarest-first (spec §4.1). In Endgame mode, already-Reserved (but
// incomplete) pieces are eligible for re-reservation by a second peer.
func (s *Store) ReservePiece(peerID string, peerBitfield bitmap.Bitmap, mode Mode) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []int
	for i, p := range s.pieces {
		if !bitmap.Get(peerBitfield, i) {
			continue
		}
		switch p.state {
		case Missing:
			candidates = append(candidates, i)
		case Reserved:
			if mode == Endgame && !p.holders.Contains(peerID) {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		return 0, false
	}

	sort.Slice(candidates, func(a, b int) bool {
		return s.pieces[candidates[a]].availability < s.pieces[candidates[b]].availability
	})
	rarest := s.pieces[candidates[0]].availability
	tied := candidates[:1]
	for _, c := range candidates[1:] {
		if s.pieces[c].availability != rarest {
			break
		}
		tied = append(tied, c)
	}
	chosen := tied[rand.Intn(len(tied))]

	p := s.pieces[chosen]
	p.state = Reserved
	p.holders.Add(peerID)
	return chosen, true
}

// ReleasePeerPiece drops peerID's claim on index without discarding
// already-downloaded blocks (used when a peer chokes us, spec §4.4
// step 3 — the block list is kept for re-requesting elsewhere).
func (s *Store) ReleasePeerPiece(peerID string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return
	}
	p := s.pieces[index]
	p.holders.Remove(peerID)
	if p.holders.Cardinality() == 0 && p.state == Reserved {
		// No one downloading it now, but keep whatever blocks arrived;
		// reverting to Missing lets another peer's rarest-first pass
		// pick it back up and resume rather than restart from scratch.
		p.state = Missing
	}
}

// PendingBlocks returns, for index, the (offset, length) of every
// block not yet received.
func (s *Store) PendingBlocks(index int) []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pieces[index]
	var out []Block
	for i, b := range p.blocks {
		if b.have {
			continue
		}
		out = append(out, Block{Index: index, Offset: i * BlockSize, Length: s.blockLen(index, i)})
	}
	return out
}

func (s *Store) blockLen(pieceIndex, blockIndex int) int {
	pieceLen := s.mi.PieceLen(pieceIndex)
	off := blockIndex * BlockSize
	if off+BlockSize > pieceLen {
		return pieceLen - off
	}
	return BlockSize
}

// Block is a (piece_index, offset, length) unit (spec §3).
type Block struct {
	Index  int
	Offset int
	Length int
}

// SubmitBlock writes a received block to disk and, once every block
// of the piece has arrived, verifies the SHA-1 and reports the
// outcome (spec §4.1). The actual write is dispatched through the
// bounded disk worker pool.
func (s *Store) SubmitBlock(index, offset int, data []byte, sourcePeerID string) (BlockOutcome, error) {
	if offset%BlockSize != 0 {
		return BlockOutcome{}, fmt.Errorf("piece: block offset %d is not block-aligned", offset)
	}
	blockIndex := offset / BlockSize

	s.mu.Lock()
	if index < 0 || index >= len(s.pieces) {
		s.mu.Unlock()
		return BlockOutcome{}, fmt.Errorf("piece: index %d out of range", index)
	}
	p := s.pieces[index]
	if p.state == Complete {
		// Endgame race: another peer's delivery already completed this
		// piece. Drop the redundant block rather than re-verifying and
		// re-counting it (spec §8 endgame scenario: written exactly once).
		s.mu.Unlock()
		return BlockOutcome{}, nil
	}
	if blockIndex < 0 || blockIndex >= len(p.blocks) {
		s.mu.Unlock()
		return BlockOutcome{}, fmt.Errorf("piece: block index %d out of range for piece %d", blockIndex, index)
	}
	wantLen := s.blockLen(index, blockIndex)
	if len(data) != wantLen {
		s.mu.Unlock()
		return BlockOutcome{}, fmt.Errorf("piece: block %d/%d length %d, want %d", index, blockIndex, len(data), wantLen)
	}
	p.blocks[blockIndex] = blockSlot{have: true, data: data}
	p.holders.Add(sourcePeerID)

	allHave := true
	for _, b := range p.blocks {
		if !b.have {
			allHave = false
			break
		}
	}
	if !allHave {
		s.mu.Unlock()
		s.dispatchWrite(index, offset, data)
		return BlockOutcome{}, nil
	}

	whole := &bytes.Buffer{}
	for _, b := range p.blocks {
		whole.Write(b.data)
	}
	pieceData := whole.Bytes()
	sum := sha1.Sum(pieceData)
	involved := p.holders.Clone()

	if sum != s.mi.PieceHashes[index] {
		p.state = Missing
		s.resetBlocks(p)
		p.holders.Clear()
		s.mu.Unlock()
		// The bad block is overwritten in place the next time a
		// correct one arrives; no need to erase it from disk now.
		s.dispatchWrite(index, offset, data)
		return BlockOutcome{PieceCorrupt: true, InvolvedPeers: involved}, nil
	}

	p.state = Complete
	s.bitfield.Set(index, true)
	s.numComplete++
	s.mu.Unlock()

	// The write is dispatched async, matching the reactor model's rule
	// that the control path never blocks on disk (spec §5); completion
	// is reported on successful in-memory hash verification, same as
	// the HAVE broadcast that follows it.
	s.dispatchWrite(index, offset, data)
	return BlockOutcome{PieceComplete: true}, nil
}

// ReadBlock reads a block for serving to a peer we are unchoking
// (spec §4.1's read_block, used for upload reciprocation). Only
// Complete pieces may be served.
func (s *Store) ReadBlock(index, offset, length int) ([]byte, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.pieces) || s.pieces[index].state != Complete {
		s.mu.Unlock()
		return nil, fmt.Errorf("piece: piece %d not available to serve", index)
	}
	s.mu.Unlock()

	s.acquire()
	defer s.release()
	pieceOffset := int64(index)*int64(s.mi.PieceLength) + int64(offset)
	data, err := s.layout.ReadAt(pieceOffset, length)
	if err != nil {
		return nil, fmt.Errorf("%w: read block %d/%d: %w", errs.ErrIO, index, offset, err)
	}
	return data, nil
}

func (s *Store) dispatchWrite(index, offset int, data []byte) {
	pieceOffset := int64(index)*int64(s.mi.PieceLength) + int64(offset)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acquire()
		defer s.release()
		if err := s.layout.WriteAt(pieceOffset, data); err != nil {
			// IOError is fatal to the session (spec §7); callers poll
			// LastIOError rather than panicking a disk-pool goroutine.
			s.recordIOError(fmt.Errorf("%w: write piece %d: %w", errs.ErrIO, index, err))
		}
	}()
}

// recordIOError and LastIOError let SessionCoordinator observe a
// fatal disk failure raised from a background write without the
// worker goroutine needing a direct channel back to the session.
func (s *Store) recordIOError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ioErr == nil {
		s.ioErr = err
	}
}

// LastIOError returns the first fatal disk I/O error observed, if any.
func (s *Store) LastIOError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioErr
}
