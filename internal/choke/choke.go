// Package choke implements ChokeScheduler: the periodic tit-for-tat
// decision of which peers to unchoke, with dynamically sized slots and
// a rotating optimistic-unchoke pick (spec §4.6).
package choke

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tanmoymaji275/bittorrent-client/internal/scorer"
)

// TickInterval is the scheduler's run period T (spec §4.6).
const TickInterval = 10 * time.Second

// slotBandwidthUnit is the bytes/sec granted per unchoke slot,
// including the fixed safety margin added to global download rate.
const slotBandwidthUnit = 50 * 1024

const minSlots = 4

// optimisticEveryNRounds rotates the optimistic-unchoke pick roughly
// every 30s at a 10s tick (spec §4.6 step 4).
const optimisticEveryNRounds = 3

// PeerInfo is the subset of PeerState ChokeScheduler needs per tick.
type PeerInfo struct {
	ID         string
	Interested bool // peer_interested: would the peer request from us
	AmChoking  bool // current outbound choke state
}

// Decision is the scheduler's verdict for one peer: Unchoke true means
// am_choking should become false, and vice versa. Changed reports
// whether this differs from the peer's current AmChoking so the
// caller only enqueues a wire message on an actual transition (spec
// §4.6 step 6).
type Decision struct {
	Unchoke bool
	Changed bool
}

// Scheduler is ChokeScheduler.
type Scheduler struct {
	scorer *scorer.Scorer

	mu             sync.Mutex
	round          int
	optimisticPeer string
}

// New constructs a Scheduler reading scores from sc.
func New(sc *scorer.Scorer) *Scheduler {
	return &Scheduler{scorer: sc}
}

// SlotCount computes S from the global download rate (spec §4.6 step 1).
func SlotCount(globalDownloadRateBps float64) int {
	s := int(math.Ceil((globalDownloadRateBps + slotBandwidthUnit) / slotBandwidthUnit))
	if s < minSlots {
		return minSlots
	}
	return s
}

// Decide runs one scheduling round over peers and returns a decision
// for every peer id in peers. Non-interested peers always get
// Unchoke=false, so one that is currently unchoked comes back with
// Changed=true and is choked.
func (s *Scheduler) Decide(peers []PeerInfo, globalDownloadRateBps float64) map[string]Decision {
	s.mu.Lock()
	s.round++
	round := s.round
	s.mu.Unlock()

	slots := SlotCount(globalDownloadRateBps)

	var interested []PeerInfo
	for _, p := range peers {
		if p.Interested {
			interested = append(interested, p)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		return s.scorer.Score(interested[i].ID) > s.scorer.Score(interested[j].ID)
	})

	top := interested
	if len(top) > slots {
		top = top[:slots]
	}
	unchoke := make(map[string]bool, len(top)+1)
	for _, p := range top {
		unchoke[p.ID] = true
	}

	if round%optimisticEveryNRounds == 0 && len(interested) > len(top) {
		rest := interested[len(top):]
		pick := rest[rand.Intn(len(rest))]
		unchoke[pick.ID] = true
		s.mu.Lock()
		s.optimisticPeer = pick.ID
		s.mu.Unlock()
	}

	result := make(map[string]Decision, len(peers))
	for _, p := range peers {
		want := unchoke[p.ID]
		result[p.ID] = Decision{Unchoke: want, Changed: want == p.AmChoking}
	}
	return result
}

// OptimisticPeer returns the id most recently picked for optimistic
// unchoke, or "" if none has been picked yet.
func (s *Scheduler) OptimisticPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optimisticPeer
}
