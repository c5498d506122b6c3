package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/admediary/bidgate/analytics/tracker"
)

// sdkEventTypes are the funnel milestones the SDK is allowed to report.
// bid_request and bid_response are recorded server-side only.
var sdkEventTypes = map[tracker.EventType]struct{}{
	tracker.EventImpression: {},
	tracker.EventClick:      {},
	tracker.EventComplete:   {},
	tracker.EventWin:        {},
}

type eventRequestBody struct {
	EventType    tracker.EventType `json:"event_type"`
	BidID        string            `json:"bid_id"`
	PlacementID  string            `json:"placement_id,omitempty"`
	AppKey       string            `json:"app_key,omitempty"`
	DemandSource string            `json:"demand_source,omitempty"`
	Price        float64           `json:"price,omitempty"`
	Country      string            `json:"country,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
}

type eventEndpoint struct {
	tracker *tracker.Tracker
}

// NewEventEndpoint builds the handler for POST /v1/event. Accepted events are
// queued for the telemetry sink and acknowledged with 204 immediately.
func NewEventEndpoint(trk *tracker.Tracker) httprouter.Handle {
	ee := &eventEndpoint{tracker: trk}
	return ee.Handle
}

func (e *eventEndpoint) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var wire eventRequestBody
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		http.Error(w, "malformed JSON body", http.StatusBadRequest)
		return
	}
	if _, ok := sdkEventTypes[wire.EventType]; !ok {
		http.Error(w, fmt.Sprintf("unsupported event_type %q", wire.EventType), http.StatusBadRequest)
		return
	}
	if wire.BidID == "" {
		http.Error(w, "bid_id is required", http.StatusBadRequest)
		return
	}

	e.tracker.Track(tracker.Event{
		Type:         wire.EventType,
		BidID:        wire.BidID,
		PlacementID:  wire.PlacementID,
		AppKey:       wire.AppKey,
		DemandSource: wire.DemandSource,
		Price:        wire.Price,
		Country:      wire.Country,
		Timestamp:    wire.Timestamp,
	})
	w.WriteHeader(http.StatusNoContent)
}
