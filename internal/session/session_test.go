package session

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
	"github.com/tanmoymaji275/bittorrent-client/internal/peer"
	"github.com/tanmoymaji275/bittorrent-client/internal/piece"
	"github.com/tanmoymaji275/bittorrent-client/internal/pipeline"
	"github.com/tanmoymaji275/bittorrent-client/internal/storage"
	"github.com/tanmoymaji275/bittorrent-client/internal/wire"
)

func fill(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func testMetaInfo(t *testing.T, data []byte) (*metainfo.MetaInfo, *storage.Layout) {
	t.Helper()
	hash := sha1.Sum(data)
	mi := &metainfo.MetaInfo{
		Name:        "t.bin",
		PieceLength: len(data),
		TotalLength: len(data),
		PieceHashes: [][20]byte{hash},
	}
	fs := afero.NewMemMapFs()
	layout, err := storage.NewLayout(fs, "/dl", mi)
	require.NoError(t, err)
	return mi, layout
}

func TestSpawnPeerRefusesPastCap(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout, MaxPeers: 1})
	require.True(t, s.sem.TryAcquire(1))
	defer s.sem.Release(1)

	// cap already exhausted: spawnPeer must return without blocking or panicking.
	done := make(chan struct{})
	go func() {
		s.spawnPeer(context.Background(), "127.0.0.1:1")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("spawnPeer blocked instead of refusing at the concurrency cap")
	}
	s.peers.mu.Lock()
	defer s.peers.mu.Unlock()
	assert.Empty(t, s.peers.links)
}

func TestRunChokeRoundUnchokesInterestedPeer(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})

	connA, connB := net.Pipe()
	infoHash := [20]byte{1}
	done := make(chan *peer.Link, 2)
	go func() {
		l, err := peer.Accept(connA, infoHash, [20]byte{0xAA}, 1, nil)
		require.NoError(t, err)
		done <- l
	}()
	go func() {
		l, err := peer.Accept(connB, infoHash, [20]byte{0xBB}, 1, nil)
		require.NoError(t, err)
		done <- l
	}()
	linkA := <-done
	linkB := <-done

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go linkA.Run(ctx)
	go linkB.Run(ctx)

	require.NoError(t, linkB.Send(wire.Message{ID: wire.Interested}))
	time.Sleep(50 * time.Millisecond)

	s.peers.mu.Lock()
	s.peers.links["b"] = linkA
	s.peers.mu.Unlock()
	s.scorer.RecordBytes("b", 1000)

	s.runChokeRound()

	select {
	case msg := <-linkB.Messages():
		assert.Equal(t, wire.Unchoke, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("peer was never unchoked despite being the only interested peer")
	}
}

func TestModeIsEndgameWhenFewPiecesRemain(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})
	// single-piece torrent: 1 missing piece is always <= endgameThreshold.
	require.Equal(t, 1, s.store.Missing())
	assert.Equal(t, piece.Endgame, s.mode())
}

func TestOnPieceCorruptBansAfterThreeContributions(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})

	for i := 0; i < 3; i++ {
		s.onPieceCorrupt(0, []string{"bad-peer"})
	}
	assert.True(t, s.banned.Contains("bad-peer"))
}

func TestOnPieceCorruptDoesNotBanBeforeThreshold(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})

	s.onPieceCorrupt(0, []string{"flaky-peer"})
	s.onPieceCorrupt(0, []string{"flaky-peer"})
	assert.False(t, s.banned.Contains("flaky-peer"))
}

func TestAcceptRejectsBannedPeer(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})
	s.banned.Add("127.0.0.1:9999")

	connA, connB := net.Pipe()
	defer connB.Close()
	s.Accept(context.Background(), &namedConn{Conn: connA, remote: "127.0.0.1:9999"})

	buf := make([]byte, 1)
	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := connB.Read(buf)
	assert.Error(t, err, "banned peer's connection should be closed without a handshake")
}

func TestOnPieceCompleteClosesDoneWhenNothingMissing(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})
	_, err := s.store.SubmitBlock(0, 0, fill(10, 1), "peerA")
	require.NoError(t, err)

	s.onPieceComplete(0)

	assert.True(t, s.isComplete())
}

func TestOnPieceCompleteCancelsOtherPipelinesInFlightRequest(t *testing.T) {
	mi, layout := testMetaInfo(t, fill(10, 1))
	s := New(Config{MetaInfo: mi, Layout: layout})

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	infoHash := [20]byte{1}
	done := make(chan *peer.Link, 2)
	go func() {
		l, err := peer.Accept(connA, infoHash, [20]byte{0xAA}, 1, nil)
		require.NoError(t, err)
		done <- l
	}()
	go func() {
		l, err := peer.Accept(connB, infoHash, [20]byte{0xBB}, 1, nil)
		require.NoError(t, err)
		done <- l
	}()
	linkA := <-done
	linkB := <-done

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go linkA.Run(ctx)
	go linkB.Run(ctx)

	otherPipe := pipeline.New("other-peer", linkA, s.store, s.scorer)
	s.peers.mu.Lock()
	s.peers.links["other-peer"] = linkA
	s.peers.pipes["other-peer"] = otherPipe
	s.peers.mu.Unlock()
	go otherPipe.Run(ctx)

	// other-peer (viewed from linkB) advertises piece 0 and unchokes,
	// driving otherPipe to declare interest, then reserve and request it.
	bf := bitmap.New(1)
	bf.Set(0, true)
	require.NoError(t, linkB.Send(wire.Message{ID: wire.Bitfield, Bitfield: bf}))
	require.NoError(t, linkB.Send(wire.Message{ID: wire.Unchoke}))

	for _, want := range []byte{wire.Interested, wire.Request} {
		select {
		case msg := <-linkB.Messages():
			require.Equal(t, want, msg.ID)
		case <-time.After(time.Second):
			t.Fatal("other-peer's pipeline never requested piece 0")
		}
	}

	// A different peer's delivery completes piece 0 first; otherPipe's
	// outstanding request for it must be cancelled, and every peer
	// (including other-peer) gets a HAVE broadcast.
	s.onPieceComplete(0)

	var sawHave, sawCancel bool
	for i := 0; i < 2; i++ {
		select {
		case msg := <-linkB.Messages():
			switch msg.ID {
			case wire.Have:
				sawHave = true
			case wire.Cancel:
				sawCancel = true
				assert.Equal(t, uint32(0), msg.Index)
			}
		case <-time.After(time.Second):
			t.Fatal("expected both a HAVE broadcast and a CANCEL of the in-flight request")
		}
	}
	assert.True(t, sawHave, "HAVE was never broadcast to other-peer")
	assert.True(t, sawCancel, "in-flight request for the completed piece was never cancelled")
}

// namedConn overrides RemoteAddr so Accept sees a stable, pre-banned endpoint
// string; net.Pipe's real addresses are both "pipe" and indistinguishable.
type namedConn struct {
	net.Conn
	remote string
}

func (c *namedConn) RemoteAddr() net.Addr { return pipeAddr(c.remote) }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
