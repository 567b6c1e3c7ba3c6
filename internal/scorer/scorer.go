// Package scorer implements PeerScorer: per-peer EWMA download rate,
// variance, and trust bookkeeping feeding ChokeScheduler's tit-for-tat
// ranking (spec §4.5).
package scorer

import (
	"math"
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// Default tuning constants (spec §9 Open Question (a): exposed, not
// hardwired).
const (
	DefaultAlpha        = 0.2
	DefaultTickInterval = 10 // seconds
	MaxTrust            = 10
	epsilon             = 1e-9
)

type peerState struct {
	rate     float64
	variance float64
	trust    int
	received int64 // bytes received since the last Tick
	timedOut bool  // a request timed out since the last Tick
	snubbed  bool
}

// Scorer tracks composite scores for a set of peers, identified by id.
type Scorer struct {
	mu    sync.Mutex
	alpha float64
	peers map[string]*peerState
}

// New constructs a Scorer with the given EWMA alpha.
func New(alpha float64) *Scorer {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Scorer{alpha: alpha, peers: make(map[string]*peerState)}
}

// RecordBytes adds n bytes received from id since the last Tick.
func (s *Scorer) RecordBytes(id string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(id).received += int64(n)
}

// RecordTimeout marks a timed-out request against id: it counts as a
// zero-byte sample this tick (spec §4.4 step 5).
func (s *Scorer) RecordTimeout(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(id).timedOut = true
}

func (s *Scorer) state(id string) *peerState {
	p, ok := s.peers[id]
	if !ok {
		p = &peerState{}
		s.peers[id] = p
	}
	return p
}

// Remove drops a disconnected peer's bookkeeping.
func (s *Scorer) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// SetSnubbed marks or clears id's snubbed status (spec §4.6: a peer
// unchoked but silent for 60s is excluded from ranking, rate=0).
func (s *Scorer) SetSnubbed(id string, snubbed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(id).snubbed = snubbed
}

// Tick folds this period's received-byte samples into the EWMA rate
// and variance, updates the trust counter for every id in topK, and
// resets the per-tick accumulators. tickSeconds is the elapsed time
// since the previous tick.
func (s *Scorer) Tick(tickSeconds float64, topK map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tickSeconds <= 0 {
		tickSeconds = DefaultTickInterval
	}
	for id, p := range s.peers {
		sample := float64(p.received) / tickSeconds
		if p.timedOut {
			sample = 0
		}
		diff := sample - p.rate
		p.rate = s.alpha*sample + (1-s.alpha)*p.rate
		p.variance = s.alpha*diff*diff + (1-s.alpha)*p.variance
		if topK[id] {
			p.trust = minInt(p.trust+1, MaxTrust)
		} else {
			p.trust = maxInt(p.trust-1, 0)
		}
		p.received = 0
		p.timedOut = false
	}
}

// Score returns the composite score for id (spec §4.5):
//
//	score = r * (1 + c/10) * max(0.1, 1 - sqrt(v)/(r + eps))
//
// A snubbed peer scores 0 regardless of its remembered rate.
func (s *Scorer) Score(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok || p.snubbed {
		return 0
	}
	stability := 1 - math.Sqrt(p.variance)/(p.rate+epsilon)
	if stability < 0.1 {
		stability = 0.1
	}
	trustBonus := 1 + float64(p.trust)/10
	return p.rate * trustBonus * stability
}

// Rate returns the current EWMA rate estimate for id, in bytes/sec.
func (s *Scorer) Rate(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		return p.rate
	}
	return 0
}

// GlobalDownloadRate sums every tracked peer's EWMA rate — the input
// ChokeScheduler uses to size the unchoke slot count (spec §4.6).
func (s *Scorer) GlobalDownloadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rates := make([]float64, 0, len(s.peers))
	for _, p := range s.peers {
		rates = append(rates, p.rate)
	}
	var total float64
	underscore.Chain(rates).Reduce(0.0, func(acc float64, x float64, _ int) float64 {
		return acc + x
	}).Value(&total)
	return total
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
