package piece

import (
	"crypto/sha1"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
	"github.com/tanmoymaji275/bittorrent-client/internal/storage"
)

func makeTorrent(t *testing.T, pieceLen int, pieceData ...[]byte) (*metainfo.MetaInfo, *storage.Layout) {
	t.Helper()
	total := 0
	var hashes [][20]byte
	for _, p := range pieceData {
		hashes = append(hashes, sha1.Sum(p))
		total += len(p)
	}
	mi := &metainfo.MetaInfo{
		Name:        "t.bin",
		PieceLength: pieceLen,
		TotalLength: total,
		PieceHashes: hashes,
	}
	fs := afero.NewMemMapFs()
	layout, err := storage.NewLayout(fs, "/dl", mi)
	require.NoError(t, err)
	return mi, layout
}

func block(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestSubmitBlockCompletesPieceOnMatchingHash(t *testing.T) {
	b1 := block(BlockSize, 1)
	b2 := block(100, 2)
	piece0 := append(append([]byte{}, b1...), b2...)
	mi, layout := makeTorrent(t, len(piece0), piece0)
	s := New(mi, layout)
	defer s.Close()

	outcome, err := s.SubmitBlock(0, 0, b1, "peerA")
	require.NoError(t, err)
	assert.False(t, outcome.PieceComplete)

	outcome, err = s.SubmitBlock(0, BlockSize, b2, "peerA")
	require.NoError(t, err)
	assert.True(t, outcome.PieceComplete)
	assert.Equal(t, 1, s.NumComplete())
	assert.True(t, bitmap.Get(s.BitField(), 0))
}

func TestSubmitBlockDetectsCorruption(t *testing.T) {
	b1 := block(BlockSize, 1)
	b2 := block(100, 2)
	piece0 := append(append([]byte{}, b1...), b2...)
	mi, layout := makeTorrent(t, len(piece0), piece0)
	s := New(mi, layout)
	defer s.Close()

	_, err := s.SubmitBlock(0, 0, b1, "peerA")
	require.NoError(t, err)
	wrong := block(100, 0xFF)
	outcome, err := s.SubmitBlock(0, BlockSize, wrong, "peerA")
	require.NoError(t, err)
	assert.True(t, outcome.PieceCorrupt)
	assert.True(t, outcome.InvolvedPeers.Contains("peerA"))
	assert.Equal(t, 0, s.NumComplete())
	assert.False(t, bitmap.Get(s.BitField(), 0))
}

func TestReservePieceRarestFirst(t *testing.T) {
	p0, p1, p2, p3 := block(10, 0), block(10, 1), block(10, 2), block(10, 3)
	mi, layout := makeTorrent(t, 10, p0, p1, p2, p3)
	s := New(mi, layout)
	defer s.Close()

	// piece 0 held by 4 peers, piece 1 by 1, piece 2 by 2, piece 3 by 3.
	s.pieces[0].availability = 4
	s.pieces[1].availability = 1
	s.pieces[2].availability = 2
	s.pieces[3].availability = 3

	everything := bitmap.New(4)
	for i := 0; i < 4; i++ {
		everything.Set(i, true)
	}
	idx, ok := s.ReservePiece("peerA", everything, Normal)
	require.True(t, ok)
	assert.Equal(t, 1, idx, "rarest piece must be selected first")
}

func TestReservePieceReturnsNoneWhenAllReservedInNormalMode(t *testing.T) {
	mi, layout := makeTorrent(t, 10, block(10, 0))
	s := New(mi, layout)
	defer s.Close()

	bf := bitmap.New(1)
	bf.Set(0, true)
	_, ok := s.ReservePiece("peerA", bf, Normal)
	require.True(t, ok)

	_, ok = s.ReservePiece("peerB", bf, Normal)
	assert.False(t, ok, "second peer may not reserve an already-reserved piece outside endgame")
}

func TestReservePieceAllowsMultipleHoldersInEndgame(t *testing.T) {
	mi, layout := makeTorrent(t, 10, block(10, 0))
	s := New(mi, layout)
	defer s.Close()

	bf := bitmap.New(1)
	bf.Set(0, true)
	_, ok := s.ReservePiece("peerA", bf, Normal)
	require.True(t, ok)

	idx, ok := s.ReservePiece("peerB", bf, Endgame)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestPeerGoneRevertsUnfinishedReservation(t *testing.T) {
	mi, layout := makeTorrent(t, 10, block(10, 0))
	s := New(mi, layout)
	defer s.Close()

	bf := bitmap.New(1)
	bf.Set(0, true)
	_, ok := s.ReservePiece("peerA", bf, Normal)
	require.True(t, ok)
	assert.Equal(t, Reserved, s.pieces[0].state)

	s.PeerGone("peerA", bf)
	assert.Equal(t, Missing, s.pieces[0].state, "piece must not remain Reserved with zero holders")
}

func TestVerifyExistingFindsPieceAlreadyOnDisk(t *testing.T) {
	piece0 := block(20, 7)
	mi, layout := makeTorrent(t, 20, piece0, block(20, 9))
	require.NoError(t, layout.WriteAt(0, piece0))

	s := New(mi, layout)
	defer s.Close()
	bf, err := s.VerifyExisting()
	require.NoError(t, err)
	assert.True(t, bitmap.Get(bf, 0))
	assert.False(t, bitmap.Get(bf, 1))
	assert.Equal(t, 1, s.NumComplete())
}

func TestReadBlockServesOnlyCompletePieces(t *testing.T) {
	piece0 := block(10, 5)
	mi, layout := makeTorrent(t, 10, piece0)
	s := New(mi, layout)
	defer s.Close()

	_, err := s.ReadBlock(0, 0, 10)
	assert.Error(t, err, "incomplete piece must not be servable")

	_, err = s.SubmitBlock(0, 0, piece0, "peerA")
	require.NoError(t, err)
	// disk write is dispatched asynchronously; give it a moment.
	time.Sleep(20 * time.Millisecond)

	got, err := s.ReadBlock(0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, piece0, got)
}

func TestSubmitBlockIgnoresRedundantDeliveryToCompletePiece(t *testing.T) {
	piece0 := block(10, 5)
	mi, layout := makeTorrent(t, 10, piece0)
	s := New(mi, layout)
	defer s.Close()

	outcome, err := s.SubmitBlock(0, 0, piece0, "peerA")
	require.NoError(t, err)
	require.True(t, outcome.PieceComplete)
	require.Equal(t, 1, s.NumComplete())

	// A second peer's endgame delivery for the same, already-complete
	// piece must not be re-verified or double-counted.
	outcome, err = s.SubmitBlock(0, 0, piece0, "peerB")
	require.NoError(t, err)
	assert.False(t, outcome.PieceComplete)
	assert.False(t, outcome.PieceCorrupt)
	assert.Equal(t, 1, s.NumComplete())
}
