// Package tracker is the best-effort funnel telemetry pipe. Events are queued in
// memory and flushed in batches, either when the batch-size threshold is hit or
// on a timer tick, whichever comes first. Delivery is at-least-once: a failed
// flush is re-queued at the front for the next attempt, which may reorder it
// relative to newer events. Nothing in this package ever blocks or panics into
// the bidding path.
package tracker

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/admediary/bidgate/metrics"
)

// EventType names a funnel milestone.
type EventType string

const (
	EventBidRequest  EventType = "bid_request"
	EventBidResponse EventType = "bid_response"
	EventWin         EventType = "win"
	EventImpression  EventType = "impression"
	EventClick       EventType = "click"
	EventComplete    EventType = "complete"
)

// ValidEventType reports whether t is a funnel milestone accepted from the SDK.
func ValidEventType(t EventType) bool {
	switch t {
	case EventBidRequest, EventBidResponse, EventWin, EventImpression, EventClick, EventComplete:
		return true
	}
	return false
}

// Event is one funnel record, serialized as one NDJSON line.
type Event struct {
	Type         EventType `json:"event_type"`
	BidID        string    `json:"bid_id,omitempty"`
	PlacementID  string    `json:"placement_id,omitempty"`
	AppKey       string    `json:"app_key,omitempty"`
	DemandSource string    `json:"demand_source,omitempty"`
	Price        float64   `json:"price,omitempty"`
	Country      string    `json:"country,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

// Tracker batches events toward one telemetry sink.
type Tracker struct {
	send          Sender
	clock         clock.Clock
	metrics       metrics.Engine
	batchSize     int
	queueCapacity int
	flushInterval time.Duration

	ch    chan Event
	endCh chan struct{}
	done  chan struct{}
}

// New starts the tracker's background drain loop. batchSize events (or a tick of
// flushInterval) trigger a flush; queueCapacity bounds memory under sink outages.
func New(send Sender, clk clock.Clock, metricsEngine metrics.Engine, batchSize, queueCapacity int, flushInterval time.Duration) *Tracker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if queueCapacity < batchSize {
		queueCapacity = batchSize * 10
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	t := &Tracker{
		send:          send,
		clock:         clk,
		metrics:       metricsEngine,
		batchSize:     batchSize,
		queueCapacity: queueCapacity,
		flushInterval: flushInterval,
		ch:            make(chan Event, queueCapacity),
		endCh:         make(chan struct{}),
		done:          make(chan struct{}),
	}
	go t.start()
	return t
}

// Track enqueues one event. It never blocks: when the intake channel is full the
// event is dropped with a warning, because stalling an auction over telemetry is
// the wrong trade.
func (t *Tracker) Track(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = t.clock.Now().UnixMilli()
	}
	select {
	case t.ch <- event:
	default:
		t.metrics.RecordEventDropped()
		glog.Warningf("tracker: intake full, dropping %s event for bid %s", event.Type, event.BidID)
	}
}

// Shutdown stops the drain loop and synchronously flushes whatever is queued.
// Skipping this on process exit silently loses queued events.
func (t *Tracker) Shutdown() {
	close(t.endCh)
	<-t.done
}

func (t *Tracker) start() {
	defer close(t.done)

	ticker := t.clock.Ticker(t.flushInterval)
	defer ticker.Stop()

	var queue []Event
	for {
		select {
		case event := <-t.ch:
			queue = append(queue, event)
			if len(queue) >= t.batchSize {
				queue = t.flush(queue)
			}
		case <-ticker.C:
			queue = t.flush(queue)
		case <-t.endCh:
			// drain anything still sitting in the intake channel
			for {
				select {
				case event := <-t.ch:
					queue = append(queue, event)
					continue
				default:
				}
				break
			}
			if remaining := t.flush(queue); len(remaining) > 0 {
				glog.Errorf("tracker: %d events undeliverable at shutdown", len(remaining))
			}
			return
		}
	}
}

// flush sends the queued batch and returns the next queue state: empty on
// success, the same batch (front position preserved) on transport failure.
// Overflow beyond capacity drops the oldest events with a warning.
func (t *Tracker) flush(queue []Event) []Event {
	if len(queue) == 0 {
		return queue
	}

	if err := t.send(queue); err != nil {
		glog.Warningf("tracker: flush of %d events failed, re-queued: %v", len(queue), err)
		if len(queue) > t.queueCapacity {
			dropped := len(queue) - t.queueCapacity
			for i := 0; i < dropped; i++ {
				t.metrics.RecordEventDropped()
			}
			glog.Warningf("tracker: queue over capacity, dropped %d oldest events", dropped)
			queue = queue[dropped:]
		}
		return queue
	}
	return nil
}
