// Package tracker implements TrackerClient: HTTP and UDP (BEP 15)
// tracker announces, run concurrently across every tracker in a
// torrent's announce-list (spec §4.2).
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/tanmoymaji275/bittorrent-client/internal/errs"
)

// Event is the announce event parameter.
type Event int

const (
	None Event = iota
	Completed
	Started
	Stopped
)

// singleTrackerTimeout bounds one tracker's announce so a slow
// tracker never delays the others (spec §4.2).
const singleTrackerTimeout = 30 * time.Second

// endpointCacheSize bounds the deduplication LRU across repeated
// announces on large swarms.
const endpointCacheSize = 1024

// Request carries the parameters of a single announce call.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
}

// announceResult is one tracker goroutine's outcome.
type announceResult struct {
	endpoints []string
	err       error
}

// Client announces against every tracker URL of a torrent and unions
// the resulting peer endpoints.
type Client struct {
	urls []string

	mu         sync.Mutex
	cache      *lru.Cache
	discovered chan []string
}

// New constructs a Client for the given set of tracker URLs (the
// flattened announce-list, de-duplicated — spec §3 Trackers()).
func New(urls []string) *Client {
	cache, _ := lru.New(endpointCacheSize)
	return &Client{urls: urls, cache: cache, discovered: make(chan []string, len(urls)+1)}
}

// Announce fires off every tracker concurrently and returns as soon as
// the first one answers, so one slow or unreachable tracker never
// delays peer discovery behind the others (spec §4.2: "return as soon
// as any one succeeds; continue background announces for the rest").
// The remaining trackers keep announcing after Announce returns; their
// endpoints surface later on Discovered. If every tracker fails before
// any succeeds, Announce returns the aggregated error.
func (c *Client) Announce(ctx context.Context, req Request) ([]string, error) {
	if len(c.urls) == 0 {
		return nil, nil
	}

	results := make(chan announceResult, len(c.urls))
	for _, url := range c.urls {
		url := url
		go func() {
			tctx, cancel := context.WithTimeout(ctx, singleTrackerTimeout)
			defer cancel()
			endpoints, err := c.announceOne(tctx, url, req)
			if err != nil {
				err = fmt.Errorf("tracker %s: %w: %w", url, errs.ErrTracker, err)
			}
			results <- announceResult{endpoints, err}
		}()
	}

	var merr error
	for pending := len(c.urls); pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			merr = multierror.Append(merr, r.err)
			continue
		}
		if pending > 1 {
			go c.drainBackground(results, pending-1)
		}
		return c.dedupe(r.endpoints), nil
	}
	return nil, merr
}

// drainBackground keeps collecting the stragglers after Announce has
// already returned its first success, forwarding each fresh batch of
// endpoints to Discovered.
func (c *Client) drainBackground(results <-chan announceResult, pending int) {
	for ; pending > 0; pending-- {
		r := <-results
		if r.err != nil {
			continue
		}
		if fresh := c.dedupe(r.endpoints); len(fresh) > 0 {
			select {
			case c.discovered <- fresh:
			default:
			}
		}
	}
}

// Discovered yields endpoint batches found by background announces
// that completed after Announce had already returned (spec §4.2).
func (c *Client) Discovered() <-chan []string {
	return c.discovered
}

// dedupe drops endpoints already seen by this Client, across both the
// current batch and every prior announce.
func (c *Client) dedupe(endpoints []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(endpoints))
	var fresh []string
	for _, ep := range endpoints {
		if c.cache.Contains(ep) || seen[ep] {
			continue
		}
		seen[ep] = true
		c.cache.Add(ep, struct{}{})
		fresh = append(fresh, ep)
	}
	return fresh
}

func (c *Client) announceOne(ctx context.Context, url string, req Request) ([]string, error) {
	switch {
	case len(url) >= 7 && url[:7] == "http://", len(url) >= 8 && url[:8] == "https://":
		return announceHTTP(ctx, url, req)
	case len(url) >= 6 && url[:6] == "udp://":
		return announceUDP(ctx, url, req)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %s", url)
	}
}
