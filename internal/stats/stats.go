// Package stats tracks global and per-peer upload/download counters,
// rolled into a trailing-window rate, and the session totals
// TrackerClient reports (spec §4.2 left/uploaded/downloaded).
package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
	"github.com/dustin/go-humanize"
)

// windowSamples is the number of per-tick activity buckets averaged
// into a rate, matching the teacher's ponderation window.
const windowSamples = 10

type peerCounters struct {
	currentUp, currentDown  int64
	upActivity, downActivity [windowSamples]int64
	upRate, downRate        int64
	i                       int
}

// Totals is the running session-wide counters TrackerClient reports
// in its announce requests.
type Totals struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Stats aggregates byte counters across every connected peer and the
// session as a whole.
type Stats struct {
	mu     sync.Mutex
	total  Totals
	client peerCounters
	peers  map[string]*peerCounters
}

// New constructs Stats seeded with the torrent's initial totals
// (uploaded/downloaded resume from a prior session, left from the
// PieceStore's missing-bytes count).
func New(uploaded, downloaded, left int64) *Stats {
	return &Stats{
		total: Totals{Uploaded: uploaded, Downloaded: downloaded, Left: left},
		peers: make(map[string]*peerCounters),
	}
}

// RecordTransfer adds uploaded/downloaded bytes attributed to a peer
// since the last Tick.
func (s *Stats) RecordTransfer(peerID string, uploaded, downloaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peer(peerID)
	p.currentUp += uploaded
	p.currentDown += downloaded
}

func (s *Stats) peer(id string) *peerCounters {
	p, ok := s.peers[id]
	if !ok {
		p = &peerCounters{}
		s.peers[id] = p
	}
	return p
}

// RemovePeer drops a disconnected peer's bookkeeping.
func (s *Stats) RemovePeer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// SetLeft updates the bytes-remaining counter (left shrinks as
// PieceStore completes pieces).
func (s *Stats) SetLeft(left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Left = left
}

func sumInt64(acc int64, x int64, _ int) int64 { return acc + x }

// Tick folds this period's per-peer activity into the rolling rate
// windows and the session totals, returning the client-wide rate
// snapshot for logging.
func (s *Stats) Tick() (uploadRate, downloadRate int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessionUp, sessionDown int64
	for _, p := range s.peers {
		p.upActivity[p.i] = p.currentUp
		p.downActivity[p.i] = p.currentDown
		underscore.Chain(p.upActivity[:]).Reduce(int64(0), sumInt64).Value(&p.upRate)
		p.upRate /= windowSamples
		underscore.Chain(p.downActivity[:]).Reduce(int64(0), sumInt64).Value(&p.downRate)
		p.downRate /= windowSamples
		p.i = (p.i + 1) % windowSamples

		sessionUp += p.currentUp
		sessionDown += p.currentDown
		p.currentUp = 0
		p.currentDown = 0
	}

	s.client.upActivity[s.client.i] = sessionUp
	s.client.downActivity[s.client.i] = sessionDown
	underscore.Chain(s.client.upActivity[:]).Reduce(int64(0), sumInt64).Value(&s.client.upRate)
	s.client.upRate /= windowSamples
	underscore.Chain(s.client.downActivity[:]).Reduce(int64(0), sumInt64).Value(&s.client.downRate)
	s.client.downRate /= windowSamples
	s.client.i = (s.client.i + 1) % windowSamples

	s.total.Uploaded += sessionUp
	s.total.Downloaded += sessionDown
	return s.client.upRate, s.client.downRate
}

// Totals returns the current session-wide counters, for tracker
// announces.
func (s *Stats) Totals() Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PeerRate returns the trailing upload/download rate for one peer, in
// bytes per Tick averaged over the last windowSamples ticks.
func (s *Stats) PeerRate(id string) (uploadRate, downloadRate int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return 0, 0
	}
	return p.upRate, p.downRate
}

// FormatRate renders a bytes/sec rate the way session logging does,
// e.g. "1.2 MB/s".
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}
