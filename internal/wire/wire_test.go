package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, 20))

	buf := &bytes.Buffer{}
	require.NoError(t, WriteHandshake(buf, Handshake{InfoHash: infoHash, PeerID: peerID}))
	assert.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, got.InfoHash)
	assert.Equal(t, peerID, got.PeerID)
}

func TestReadHandshakeRejectsBadProtocol(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.WriteByte(19)
	buf.WriteString("NotBitTorrent proto")
	buf.Write(make([]byte, 48))
	_, err := ReadHandshake(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{ID: Choke},
		{ID: Unchoke},
		{ID: Interested},
		{ID: NotInterested},
		{ID: Have, Index: 7},
		{ID: Bitfield, Bitfield: []byte{0xFF, 0x80}},
		{ID: Request, Index: 1, Begin: 16384, Length: 16384},
		{ID: Cancel, Index: 1, Begin: 0, Length: 16384},
		{ID: Piece, Index: 2, Begin: 0, Block: []byte("hello block")},
	}
	for _, want := range cases {
		buf := &bytes.Buffer{}
		require.NoError(t, WriteMessage(buf, want))
		got, err := ReadMessage(buf)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, want.Begin, got.Begin)
		assert.Equal(t, want.Length, got.Length)
		assert.Equal(t, want.Block, got.Block)
		assert.Equal(t, want.Bitfield, got.Bitfield)
	}
}

func TestKeepAlive(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, WriteMessage(buf, KeepAliveMessage()))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())
	got, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.True(t, got.KeepAlive)
}

func TestUnknownMessageIDDiscarded(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0, 0, 0, 2, 99, 0}) // length=2, id=99 (unassigned), 1 payload byte
	got, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.True(t, got.Unknown)
}

func TestOversizeFrameRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x7F, 0xFF, 0xFF, 0xFF})
	_, err := ReadMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMalformedRequestPayloadRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0, 0, 0, 2, Request, 0}) // too short for request (needs 12)
	_, err := ReadMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}
