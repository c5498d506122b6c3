// Package exchange runs the timed, concurrent fan-out auction over the active
// demand connectors and owns the connector set's configuration lifecycle.
package exchange

import (
	"context"
	"runtime/debug"
	"sort"
	"time"

	"github.com/golang/glog"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/metrics"
)

const defaultBidderTimeout = 200 * time.Millisecond

// BidSummary is one entry of an auction's price ladder.
type BidSummary struct {
	Source string  `json:"source"`
	Price  float64 `json:"price"`
}

// AuctionResult is the outcome of one auction. Winner is nil when no eligible
// bid exists, which is a normal outcome, not an error. AllBids is sorted by
// price descending.
type AuctionResult struct {
	Winner    *adapters.BidResult
	AllBids   []BidSummary
	LatencyMS int64
}

// Exchange runs auctions. It is threadsafe and shared across request goroutines.
type Exchange struct {
	manager       *ConnectorManager
	metrics       metrics.Engine
	bidderTimeout time.Duration
}

func NewExchange(manager *ConnectorManager, metricsEngine metrics.Engine, bidderTimeout time.Duration) *Exchange {
	if bidderTimeout <= 0 {
		bidderTimeout = defaultBidderTimeout
	}
	return &Exchange{
		manager:       manager,
		metrics:       metricsEngine,
		bidderTimeout: bidderTimeout,
	}
}

// bidResponseWrapper carries one connector's outcome back to the merge loop.
// index preserves registration order for the deterministic tie-break.
type bidResponseWrapper struct {
	index int
	bid   *adapters.BidResult
}

// HoldAuction invokes every active connector concurrently under a shared
// deadline and merges the outcomes. A connector that times out, errors or
// panics contributes no bid; it never fails the auction. The engine waits for
// all outcomes (no early cancellation of slower connectors), and total latency
// stays bounded by the per-connector timeout, not the sum.
func (e *Exchange) HoldAuction(ctx context.Context, request *adapters.BidRequest) *AuctionResult {
	start := time.Now()

	bidders, testOnly := e.manager.ActiveConnectors()
	if testOnly && !request.Test {
		// Store never reachable: serve synthetic bids rather than failing.
		testRequest := *request
		testRequest.Test = true
		request = &testRequest
	}

	chBids := make(chan *bidResponseWrapper, len(bidders))
	for i, bidder := range bidders {
		bidderRunner := e.recoverSafely(func(index int, bidder adapters.Bidder) {
			bidderStart := time.Now()
			bidderCtx, cancel := context.WithTimeout(ctx, e.bidderTimeout)
			defer cancel()

			bid, err := bidder.RequestBid(bidderCtx, request)
			e.metrics.RecordConnectorLatency(bidder.Name(), time.Since(bidderStart))
			if err != nil {
				e.metrics.RecordConnectorError(bidder.Name())
				glog.Warningf("connector %s contributed no bid: %v", bidder.Name(), err)
				bid = nil
			}
			chBids <- &bidResponseWrapper{index: index, bid: bid}
		}, chBids)
		go bidderRunner(i, bidder)
	}

	// Wait for every connector before merging; slower siblings are never the
	// reason a valid bid gets discarded.
	eligible := make([]*bidResponseWrapper, 0, len(bidders))
	for range bidders {
		brw := <-chBids
		if brw.bid == nil || brw.bid.Price <= 0 {
			if brw.index >= 0 {
				e.metrics.RecordConnectorNoBid(bidders[brw.index].Name())
			}
			continue
		}
		e.metrics.RecordConnectorBid(brw.bid.Source, brw.bid.Price)
		eligible = append(eligible, brw)
	}

	// Registration order first, then a stable sort by price: equal top bids
	// resolve to the earlier-registered connector, every run.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].index < eligible[j].index })
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].bid.Price > eligible[j].bid.Price })

	result := &AuctionResult{
		AllBids:   make([]BidSummary, 0, len(eligible)),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	for _, brw := range eligible {
		result.AllBids = append(result.AllBids, BidSummary{Source: brw.bid.Source, Price: brw.bid.Price})
	}
	if len(eligible) > 0 {
		winner := *eligible[0].bid
		result.Winner = &winner
	}

	e.metrics.RecordAuction(time.Since(start), len(eligible))
	return result
}

// recoverSafely isolates connector panics so one misbehaving partner cannot take
// down the auction; the recovered connector simply contributes no bid.
func (e *Exchange) recoverSafely(inner func(int, adapters.Bidder), chBids chan *bidResponseWrapper) func(int, adapters.Bidder) {
	return func(index int, bidder adapters.Bidder) {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("auction recovered panic from connector %s: %v. Stack trace is: %v",
					bidder.Name(), r, string(debug.Stack()))
				chBids <- &bidResponseWrapper{index: -1}
			}
		}()
		inner(index, bidder)
	}
}
