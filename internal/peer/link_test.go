package peer

import (
	"context"
	"net"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanmoymaji275/bittorrent-client/internal/wire"
)

func pipePair(t *testing.T, infoHash, idA, idB [20]byte, numPieces int) (*Link, *Link) {
	t.Helper()
	a, b := net.Pipe()

	type result struct {
		l   *Link
		err error
	}
	chA := make(chan result, 1)
	chB := make(chan result, 1)
	go func() {
		l, err := newLink("a", a, infoHash, idA, numPieces, nil)
		if err == nil {
			err = l.handshake()
		}
		chA <- result{l, err}
	}()
	go func() {
		l, err := newLink("b", b, infoHash, idB, numPieces, nil)
		if err == nil {
			err = l.handshake()
		}
		chB <- result{l, err}
	}()
	ra := <-chA
	rb := <-chB
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	return ra.l, rb.l
}

func TestHandshakeEstablishesPeerID(t *testing.T) {
	infoHash := [20]byte{1}
	idA := [20]byte{0xAA}
	idB := [20]byte{0xBB}
	la, lb := pipePair(t, infoHash, idA, idB, 4)
	assert.Equal(t, idB, la.PeerID)
	assert.Equal(t, idA, lb.PeerID)
}

func TestRunExchangesMessages(t *testing.T) {
	infoHash := [20]byte{1}
	la, lb := pipePair(t, infoHash, [20]byte{0xAA}, [20]byte{0xBB}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go la.Run(ctx)
	go lb.Run(ctx)

	require.NoError(t, la.Send(wire.Message{ID: wire.Interested}))
	select {
	case msg := <-lb.Messages():
		assert.Equal(t, wire.Interested, msg.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	snap, _ := la.Snapshot()
	assert.True(t, snap.AmInterested)
}

func TestHaveUpdatesPeerBitfieldBeforeDelivery(t *testing.T) {
	infoHash := [20]byte{1}
	la, lb := pipePair(t, infoHash, [20]byte{0xAA}, [20]byte{0xBB}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go la.Run(ctx)
	go lb.Run(ctx)

	require.NoError(t, la.Send(wire.Message{ID: wire.Have, Index: 2}))
	select {
	case <-lb.Messages():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for have")
	}
	time.Sleep(10 * time.Millisecond)
	_, bf := lb.Snapshot()
	assert.True(t, bitmap.Get(bf, 2), "HAVE 2 must set bit 2 of the peer's bitfield")
}

func TestSendFailsWhenQueueFull(t *testing.T) {
	infoHash := [20]byte{1}
	la, _ := pipePair(t, infoHash, [20]byte{0xAA}, [20]byte{0xBB}, 4)
	// no Run() started, so the outbound queue never drains.
	for i := 0; i < sendQueueCap; i++ {
		require.NoError(t, la.Send(wire.KeepAliveMessage()))
	}
	err := la.Send(wire.Message{ID: wire.Interested})
	assert.ErrorIs(t, err, ErrSlowPeer)
}

func TestSelfConnectRejected(t *testing.T) {
	infoHash := [20]byte{1}
	sameID := [20]byte{0xCC}
	a, b := net.Pipe()
	errc := make(chan error, 2)
	go func() {
		l, err := newLink("a", a, infoHash, sameID, 4, nil)
		if err == nil {
			err = l.handshake()
		}
		errc <- err
	}()
	go func() {
		l, err := newLink("b", b, infoHash, sameID, 4, nil)
		if err == nil {
			err = l.handshake()
		}
		errc <- err
	}()
	e1 := <-errc
	e2 := <-errc
	assert.True(t, e1 != nil || e2 != nil, "at least one side must reject a self-connect")
}
