package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// protocolMagic is the fixed connect-request constant of BEP 15.
const protocolMagic uint64 = 0x41727101980

// maxConnectRetries bounds the exponential backoff retransmit of the
// connect/announce handshake (15·2^n seconds, n=0..8 per BEP 15).
const maxConnectRetries = 8

func announceUDP(ctx context.Context, trackerURL string, req Request) ([]string, error) {
	addr := strings.TrimPrefix(trackerURL, "udp://")
	addr = strings.TrimSuffix(addr, "/announce")
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := udpConnect(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("udp connect: %w", err)
	}
	return udpAnnounce(ctx, conn, connID, req)
}

// udpRoundTrip retransmits payload with BEP 15's exponential backoff
// until a reply matching validate arrives or retries are exhausted.
func udpRoundTrip(ctx context.Context, conn *net.UDPConn, payload []byte, validate func([]byte) bool) ([]byte, error) {
	buf := make([]byte, 2048)
	for n := 0; n <= maxConnectRetries; n++ {
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
		timeout := time.Duration(15<<uint(n)) * time.Second
		deadline := time.Now().Add(timeout)
		if dctx, ok := ctx.Deadline(); ok && dctx.Before(deadline) {
			deadline = dctx
		}
		conn.SetReadDeadline(deadline)
		read, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue // timed out this round, retry with longer backoff
		}
		if validate(buf[:read]) {
			out := make([]byte, read)
			copy(out, buf[:read])
			return out, nil
		}
	}
	return nil, fmt.Errorf("no valid response after %d retries", maxConnectRetries)
}

func udpConnect(ctx context.Context, conn *net.UDPConn) (int64, error) {
	txID := rand.Uint32()
	req := &bytes.Buffer{}
	binary.Write(req, binary.BigEndian, protocolMagic)
	binary.Write(req, binary.BigEndian, uint32(0)) // action: connect
	binary.Write(req, binary.BigEndian, txID)

	resp, err := udpRoundTrip(ctx, conn, req.Bytes(), func(b []byte) bool {
		if len(b) < 16 {
			return false
		}
		action := binary.BigEndian.Uint32(b[0:4])
		respTx := binary.BigEndian.Uint32(b[4:8])
		return action == 0 && respTx == txID
	})
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(resp[8:16])), nil
}

func udpAnnounce(ctx context.Context, conn *net.UDPConn, connID int64, req Request) ([]string, error) {
	txID := rand.Uint32()
	key := rand.Uint32()

	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, connID)
	binary.Write(buf, binary.BigEndian, uint32(1)) // action: announce
	binary.Write(buf, binary.BigEndian, txID)
	buf.Write(req.InfoHash[:])
	buf.Write(req.PeerID[:])
	binary.Write(buf, binary.BigEndian, req.Downloaded)
	binary.Write(buf, binary.BigEndian, req.Left)
	binary.Write(buf, binary.BigEndian, req.Uploaded)
	binary.Write(buf, binary.BigEndian, udpEventCode(req.Event))
	binary.Write(buf, binary.BigEndian, uint32(0)) // ip: default
	binary.Write(buf, binary.BigEndian, key)
	binary.Write(buf, binary.BigEndian, int32(-1)) // num_want: default
	binary.Write(buf, binary.BigEndian, req.Port)

	resp, err := udpRoundTrip(ctx, conn, buf.Bytes(), func(b []byte) bool {
		if len(b) < 20 {
			return false
		}
		action := binary.BigEndian.Uint32(b[0:4])
		respTx := binary.BigEndian.Uint32(b[4:8])
		return action == 1 && respTx == txID
	})
	if err != nil {
		return nil, err
	}

	peers := resp[20:]
	if len(peers)%6 != 0 {
		return nil, fmt.Errorf("malformed peer list: %d bytes", len(peers))
	}
	return parseCompactPeers(peers)
}

func udpEventCode(e Event) uint32 {
	switch e {
	case Completed:
		return 1
	case Started:
		return 2
	case Stopped:
		return 3
	default:
		return 0
	}
}
