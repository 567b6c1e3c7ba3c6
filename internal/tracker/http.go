package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// httpAnnounceResponse decodes the compact peer-list form, where Peers
// is a byte string of 6-byte entries; httpAnnounceResponseDict decodes
// the dictionary form (spec §4.2).
type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

type httpAnnounceResponseDict struct {
	FailureReason string           `bencode:"failure reason"`
	Interval      int              `bencode:"interval"`
	Peers         []httpPeerRecord `bencode:"peers"`
}

type httpPeerRecord struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

func eventName(e Event) string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

func announceHTTP(ctx context.Context, trackerURL string, req Request) ([]string, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %w", err)
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if ev := eventName(req.Event); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read announce response: %w", err)
	}

	var compact httpAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &compact); err == nil && compact.Peers != "" {
		if compact.FailureReason != "" {
			return nil, fmt.Errorf("tracker failure: %s", compact.FailureReason)
		}
		return parseCompactPeers([]byte(compact.Peers))
	}

	var dict httpAnnounceResponseDict
	if err := bencode.Unmarshal(bytes.NewReader(body), &dict); err != nil {
		return nil, fmt.Errorf("decode announce response: %w", err)
	}
	if dict.FailureReason != "" {
		return nil, fmt.Errorf("tracker failure: %s", dict.FailureReason)
	}
	endpoints := make([]string, 0, len(dict.Peers))
	for _, p := range dict.Peers {
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", p.IP, p.Port))
	}
	return endpoints, nil
}

// parseCompactPeers decodes the 6-bytes-per-peer compact form: 4
// bytes IPv4 big-endian + 2 bytes port big-endian (spec §4.2).
func parseCompactPeers(raw []byte) ([]string, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(raw))
	}
	endpoints := make([]string, 0, len(raw)/6)
	for i := 0; i+6 <= len(raw); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := int(raw[i+4])<<8 | int(raw[i+5])
		endpoints = append(endpoints, fmt.Sprintf("%s:%d", ip, port))
	}
	return endpoints, nil
}
