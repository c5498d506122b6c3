package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/analytics/tracker"
	"github.com/admediary/bidgate/exchange"
	"github.com/admediary/bidgate/metrics"
)

const defaultMaxRequestBytes = 64 * 1024

// bidRequestBody is the wire shape the SDK posts to /v1/bid.
type bidRequestBody struct {
	AppKey      string           `json:"app_key"`
	PlacementID string           `json:"placement_id"`
	Format      adapters.Format  `json:"format"`
	Width       int64            `json:"width,omitempty"`
	Height      int64            `json:"height,omitempty"`
	Device      adapters.Device  `json:"device"`
	Geo         *adapters.Geo    `json:"geo,omitempty"`
	App         adapters.App     `json:"app"`
	User        *adapters.User   `json:"user,omitempty"`
	Test        bool             `json:"test,omitempty"`
}

type bidResponseBody struct {
	Success bool     `json:"success"`
	Bid     *wireBid `json:"bid,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type wireBid struct {
	ID           string            `json:"id"`
	Price        float64           `json:"price"`
	Currency     string            `json:"currency"`
	DemandSource string            `json:"demand_source"`
	Creative     adapters.Creative `json:"creative"`
	NURL         string            `json:"nurl,omitempty"`
	BURL         string            `json:"burl,omitempty"`
}

type bidEndpoint struct {
	exchange        *exchange.Exchange
	tracker         *tracker.Tracker
	metrics         metrics.Engine
	maxRequestBytes int64
}

// NewBidEndpoint builds the handler for POST /v1/bid.
func NewBidEndpoint(ex *exchange.Exchange, trk *tracker.Tracker, metricsEngine metrics.Engine, maxRequestBytes int64) httprouter.Handle {
	if maxRequestBytes <= 0 {
		maxRequestBytes = defaultMaxRequestBytes
	}
	be := &bidEndpoint{
		exchange:        ex,
		tracker:         trk,
		metrics:         metricsEngine,
		maxRequestBytes: maxRequestBytes,
	}
	return be.Handle
}

func (e *bidEndpoint) Handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, e.maxRequestBytes+1))
	if err != nil {
		writeBidError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > e.maxRequestBytes {
		writeBidError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request exceeds %d bytes", e.maxRequestBytes))
		return
	}

	var wire bidRequestBody
	if err := json.Unmarshal(body, &wire); err != nil {
		writeBidError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if msg := validateBidRequest(&wire); msg != "" {
		writeBidError(w, http.StatusBadRequest, msg)
		return
	}

	request := &adapters.BidRequest{
		AppKey:      wire.AppKey,
		PlacementID: wire.PlacementID,
		Format:      wire.Format,
		Width:       wire.Width,
		Height:      wire.Height,
		Device:      wire.Device,
		Geo:         wire.Geo,
		App:         wire.App,
		User:        wire.User,
		Test:        wire.Test,
	}

	e.metrics.RecordBidRequest(string(request.Format))
	e.tracker.Track(funnelEvent(tracker.EventBidRequest, request, nil))

	result := e.exchange.HoldAuction(r.Context(), request)

	e.tracker.Track(funnelEvent(tracker.EventBidResponse, request, result.Winner))
	if result.Winner != nil {
		e.tracker.Track(funnelEvent(tracker.EventWin, request, result.Winner))
	}

	resp := bidResponseBody{Success: true}
	if result.Winner != nil {
		resp.Bid = &wireBid{
			ID:           result.Winner.ID,
			Price:        result.Winner.Price,
			Currency:     "USD",
			DemandSource: result.Winner.Source,
			Creative:     result.Winner.Creative,
			NURL:         result.Winner.NURL,
			BURL:         result.Winner.BURL,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateBidRequest(wire *bidRequestBody) string {
	if wire.AppKey == "" {
		return "app_key is required"
	}
	if wire.PlacementID == "" {
		return "placement_id is required"
	}
	if !adapters.ValidFormat(wire.Format) {
		return fmt.Sprintf("format must be one of banner, interstitial, rewarded; got %q", wire.Format)
	}
	return ""
}

func funnelEvent(eventType tracker.EventType, request *adapters.BidRequest, winner *adapters.BidResult) tracker.Event {
	event := tracker.Event{
		Type:        eventType,
		PlacementID: request.PlacementID,
		AppKey:      request.AppKey,
	}
	if request.Geo != nil {
		event.Country = request.Geo.Country
	}
	if winner != nil {
		event.BidID = winner.ID
		event.DemandSource = winner.Source
		event.Price = winner.Price
	}
	return event
}

func writeBidError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, bidResponseBody{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		glog.Warningf("failed to write response: %v", err)
	}
}
