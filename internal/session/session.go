// Package session implements SessionCoordinator: owns MetaInfo,
// PieceStore, and ChokeScheduler, spawns PeerLinks up to a global
// cap, and drives the periodic choke/tracker/scorer ticks (spec
// §4.7).
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	alog "github.com/anacrolix/log"
	mapset "github.com/deckarep/golang-set"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/tanmoymaji275/bittorrent-client/internal/choke"
	"github.com/tanmoymaji275/bittorrent-client/internal/errs"
	"github.com/tanmoymaji275/bittorrent-client/internal/metainfo"
	"github.com/tanmoymaji275/bittorrent-client/internal/peer"
	"github.com/tanmoymaji275/bittorrent-client/internal/pipeline"
	"github.com/tanmoymaji275/bittorrent-client/internal/piece"
	"github.com/tanmoymaji275/bittorrent-client/internal/scorer"
	"github.com/tanmoymaji275/bittorrent-client/internal/stats"
	"github.com/tanmoymaji275/bittorrent-client/internal/storage"
	"github.com/tanmoymaji275/bittorrent-client/internal/tracker"
	"github.com/tanmoymaji275/bittorrent-client/internal/wire"
)

// maxCorruptContributions bans a peer once it has been implicated in
// this many piece hash-mismatches (spec §7 PeerMisbehavior).
const maxCorruptContributions = 3

// endgameThreshold activates endgame mode once this few pieces remain
// incomplete (spec §4.4 Endgame mode; spec §9 Open Question (b) — we
// fix it rather than deriving it from torrent size, since the
// reference example uses a flat constant and nothing in the corpus
// scales it).
const endgameThreshold = 20

// Config configures a Session.
type Config struct {
	MetaInfo        *metainfo.MetaInfo
	Layout          *storage.Layout
	Trackers        []string
	ListenPort      uint16
	MaxPeers        int64
	UploadRateLimit float64 // bytes/sec, 0 = unlimited
	Logger          alog.Logger
}

// Session is SessionCoordinator.
type Session struct {
	cfg     Config
	store   *piece.Store
	scorer  *scorer.Scorer
	choke   *choke.Scheduler
	stats   *stats.Stats
	tr      *tracker.Client
	peers   peerTable
	sem     *semaphore.Weighted
	banned  mapset.Set
	corrupt map[string]int

	uploadLimiter *rate.Limiter
	log           alog.Logger

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

type peerTable struct {
	mu    sync.Mutex
	links map[string]*peer.Link
	pipes map[string]*pipeline.Pipeline
}

func (s *Session) logf(format string, a ...interface{}) {
	alog.Fmsg(format, a...).Log(s.log)
}

// New constructs a Session ready to Run.
func New(cfg Config) *Session {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 50
	}
	logger := cfg.Logger
	if logger.IsZero() {
		logger = alog.Default
	}
	var limiter *rate.Limiter
	if cfg.UploadRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), int(cfg.UploadRateLimit))
	}
	store := piece.New(cfg.MetaInfo, cfg.Layout)
	sc := scorer.New(scorer.DefaultAlpha)
	return &Session{
		cfg:           cfg,
		store:         store,
		scorer:        sc,
		choke:         choke.New(sc),
		stats:         stats.New(0, 0, int64(cfg.MetaInfo.TotalLength)),
		tr:            tracker.New(cfg.Trackers),
		peers:         peerTable{links: make(map[string]*peer.Link), pipes: make(map[string]*pipeline.Pipeline)},
		sem:           semaphore.NewWeighted(cfg.MaxPeers),
		banned:        mapset.NewSet(),
		corrupt:       make(map[string]int),
		uploadLimiter: limiter,
		log:           logger,
		done:          make(chan struct{}),
	}
}

// Run verifies existing data, announces to the tracker, spawns peer
// connections, and drives the session until ctx is cancelled or the
// download completes. Returns nil on a completed download; on outer
// cancellation it returns ctx.Err(); a background disk write failure
// ends the run and is returned (spec §4.7, §6, §7).
func (s *Session) Run(ctx context.Context) error {
	s.logf("verifying existing data for %s", s.cfg.MetaInfo.Name)
	bf, err := s.store.VerifyExisting()
	if err != nil {
		return fmt.Errorf("session: verify existing: %w", err)
	}
	s.logf("%d/%d pieces already complete", popcount(bf), s.cfg.MetaInfo.NumPieces())
	s.stats.SetLeft(int64(s.cfg.MetaInfo.TotalLength - s.store.NumComplete()*s.cfg.MetaInfo.PieceLength))
	s.checkComplete()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.announceLoop(gctx) })
	g.Go(func() error { return s.chokeLoop(gctx) })
	g.Go(func() error {
		// Completion is signalled out-of-band via s.done (closed from
		// onPieceComplete), since it isn't an error either loop would
		// otherwise observe; cancelling runCtx folds it into the same
		// errgroup shutdown path as ctx cancellation (spec §4.7 Shutdown).
		// The store's first background write error is polled here and
		// returned, which ends the run (spec §7 IOError).
		ioCheck := time.NewTicker(time.Second)
		defer ioCheck.Stop()
		for {
			select {
			case <-s.done:
				cancel()
				return nil
			case <-gctx.Done():
				return nil
			case <-ioCheck.C:
				if err := s.store.LastIOError(); err != nil {
					s.logf("fatal disk error: %v", err)
					return err
				}
			}
		}
	})
	runErr := g.Wait()

	// Shutdown: announce Stopped (or Completed) and let runCtx's
	// cancellation, already propagated to every spawned peer's pctx,
	// close the connections (spec §4.7 Shutdown).
	if s.isComplete() {
		s.logf("download complete, sending final tracker announce")
		s.sendFinalAnnounce(tracker.Completed)
		return nil
	}
	s.sendFinalAnnounce(tracker.Stopped)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return runErr
}

// checkComplete closes s.done the first time every piece has been
// verified Complete, letting Run exit with a Completed announce
// instead of waiting on ctx cancellation (spec §6: "exits 0 on
// completion").
func (s *Session) checkComplete() {
	if s.store.Missing() == 0 {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *Session) isComplete() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// sendFinalAnnounce fires a best-effort announce carrying event,
// independent of runCtx (which may already be cancelled).
func (s *Session) sendFinalAnnounce(event tracker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	totals := s.stats.Totals()
	req := tracker.Request{
		InfoHash:   s.cfg.MetaInfo.InfoHash,
		PeerID:     metainfo.LocalPeerID,
		Port:       s.cfg.ListenPort,
		Uploaded:   totals.Uploaded,
		Downloaded: totals.Downloaded,
		Left:       totals.Left,
		Event:      event,
	}
	if _, err := s.tr.Announce(ctx, req); err != nil {
		s.logf("final tracker announce (event %d): %v", event, err)
	}
}

func popcount(bf []byte) int {
	n := 0
	for _, b := range bf {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func (s *Session) announceLoop(ctx context.Context) error {
	interval := 30 * time.Second
	event := tracker.Started
	for {
		totals := s.stats.Totals()
		req := tracker.Request{
			InfoHash:   s.cfg.MetaInfo.InfoHash,
			PeerID:     metainfo.LocalPeerID,
			Port:       s.cfg.ListenPort,
			Uploaded:   totals.Uploaded,
			Downloaded: totals.Downloaded,
			Left:       totals.Left,
			Event:      event,
		}
		event = tracker.None // Started only ever fires on the first announce
		endpoints, err := s.tr.Announce(ctx, req)
		if err != nil {
			s.logf("tracker announce error: %v", err)
		}
		for _, ep := range endpoints {
			s.spawnPeer(ctx, ep)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case eps := <-s.tr.Discovered():
			// A straggling tracker from an earlier Announce answered in
			// the background (spec §4.2); wire its peers in without
			// waiting out the rest of interval.
			for _, ep := range eps {
				s.spawnPeer(ctx, ep)
			}
		case <-time.After(interval):
		}
	}
}

func (s *Session) chokeLoop(ctx context.Context) error {
	ticker := time.NewTicker(choke.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scorer.Tick(choke.TickInterval.Seconds(), nil)
			s.runChokeRound()
			// A corrupt-piece snub lasts for one choke round.
			s.mu.Lock()
			for id := range s.corrupt {
				s.scorer.SetSnubbed(id, false)
			}
			s.mu.Unlock()
		}
	}
}

func (s *Session) runChokeRound() {
	s.peers.mu.Lock()
	infos := make([]choke.PeerInfo, 0, len(s.peers.links))
	for id, link := range s.peers.links {
		snap, _ := link.Snapshot()
		infos = append(infos, choke.PeerInfo{ID: id, Interested: snap.PeerInterested, AmChoking: snap.AmChoking})
	}
	s.peers.mu.Unlock()

	decisions := s.choke.Decide(infos, s.scorer.GlobalDownloadRate())
	s.peers.mu.Lock()
	defer s.peers.mu.Unlock()
	for id, d := range decisions {
		link, ok := s.peers.links[id]
		if !ok || !d.Changed {
			continue
		}
		if d.Unchoke {
			link.Send(wire.Message{ID: wire.Unchoke})
		} else {
			link.Send(wire.Message{ID: wire.Choke})
		}
	}
}

// spawnPeer dials endpoint and wires a PeerLink+Pipeline pair into
// the session, subject to the global concurrency cap (spec §4.7,
// §7 ResourceExhausted).
func (s *Session) spawnPeer(ctx context.Context, endpoint string) {
	if s.banned.Contains(endpoint) {
		return
	}
	s.peers.mu.Lock()
	_, exists := s.peers.links[endpoint]
	s.peers.mu.Unlock()
	if exists {
		return
	}
	if !s.sem.TryAcquire(1) {
		return // at the concurrent-peer cap; tracker pool retries later
	}

	go func() {
		defer s.sem.Release(1)
		link, err := peer.Dial(ctx, endpoint, s.cfg.MetaInfo.InfoHash, metainfo.LocalPeerID, s.cfg.MetaInfo.NumPieces(), s.uploadLimiter)
		if err != nil {
			s.logf("peer %s: %v", endpoint, err)
			return
		}
		s.runPeer(ctx, endpoint, link)
	}()
}

func (s *Session) runPeer(ctx context.Context, endpoint string, link *peer.Link) {
	pl := pipeline.New(endpoint, link, s.store, s.scorer)
	pl.ModeFn = s.mode
	pl.OnPieceComplete = s.onPieceComplete
	pl.OnPieceCorrupt = s.onPieceCorrupt

	s.peers.mu.Lock()
	s.peers.links[endpoint] = link
	s.peers.pipes[endpoint] = pl
	s.peers.mu.Unlock()

	link.Send(wire.Message{ID: wire.Bitfield, Bitfield: s.store.BitField()})

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pl.Run(pctx)
	err := link.Run(pctx)
	if err != nil {
		s.logf("peer %s disconnected: %v", endpoint, err)
	}

	s.peers.mu.Lock()
	delete(s.peers.links, endpoint)
	delete(s.peers.pipes, endpoint)
	s.peers.mu.Unlock()
	_, peerBF := link.Snapshot()
	s.store.PeerGone(endpoint, peerBF)
	s.scorer.Remove(endpoint)
	s.stats.RemovePeer(endpoint)
}

// mode reports whether the session is in endgame (spec §4.4 Endgame mode).
func (s *Session) mode() piece.Mode {
	// Missing counts every piece not yet Complete, Reserved ones included.
	remaining := s.store.Missing()
	if remaining <= endgameThreshold {
		return piece.Endgame
	}
	return piece.Normal
}

// onPieceComplete broadcasts HAVE to every connected peer and cancels
// any other pipeline's in-flight requests for index — the endgame
// race where two peers deliver the same piece is resolved by the
// first SubmitBlock to land; every other pipeline gets told to stop
// asking (spec §4.7, §8 endgame scenario).
func (s *Session) onPieceComplete(index int) {
	s.logf("piece %d complete (%d/%d)", index, s.store.NumComplete(), s.cfg.MetaInfo.NumPieces())
	s.peers.mu.Lock()
	for _, link := range s.peers.links {
		link.Send(wire.Message{ID: wire.Have, Index: uint32(index)})
	}
	for _, pl := range s.peers.pipes {
		pl.CancelPiece(index)
	}
	s.peers.mu.Unlock()
	s.checkComplete()
}

// onPieceCorrupt zeroes each implicated peer's score this round and
// bans repeat offenders (spec §4.7, §7 PeerMisbehavior).
func (s *Session) onPieceCorrupt(index int, involved []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range involved {
		s.scorer.SetSnubbed(id, true)
		s.corrupt[id]++
		if s.corrupt[id] >= maxCorruptContributions {
			s.banned.Add(id)
			s.logf("banning peer %s: %v (%d corrupt piece contributions)",
				id, fmt.Errorf("%w: repeated piece hash mismatch", errs.ErrPeerMisbehavior), s.corrupt[id])
			s.peers.mu.Lock()
			if link, ok := s.peers.links[id]; ok {
				link.Close()
			}
			s.peers.mu.Unlock()
		}
	}
}

// Accept wires an inbound connection the same way an outbound dial
// would be wired, subject to the same concurrency cap.
func (s *Session) Accept(ctx context.Context, conn net.Conn) {
	endpoint := conn.RemoteAddr().String()
	if s.banned.Contains(endpoint) || !s.sem.TryAcquire(1) {
		conn.Close()
		return
	}
	go func() {
		defer s.sem.Release(1)
		link, err := peer.Accept(conn, s.cfg.MetaInfo.InfoHash, metainfo.LocalPeerID, s.cfg.MetaInfo.NumPieces(), s.uploadLimiter)
		if err != nil {
			s.logf("inbound peer %s: %v", endpoint, err)
			return
		}
		s.runPeer(ctx, endpoint, link)
	}()
}
