package adapters

import (
	"context"
	"math/rand"
)

// Format is the placement format requested by the SDK.
type Format string

const (
	FormatBanner       Format = "banner"
	FormatInterstitial Format = "interstitial"
	FormatRewarded     Format = "rewarded"
)

// ValidFormat reports whether f is one of the supported placement formats.
func ValidFormat(f Format) bool {
	switch f {
	case FormatBanner, FormatInterstitial, FormatRewarded:
		return true
	}
	return false
}

// CreativeType describes how the SDK should render a creative payload.
type CreativeType string

const (
	CreativeHTML  CreativeType = "html"
	CreativeVAST  CreativeType = "vast"
	CreativeImage CreativeType = "image"
)

// Device describes the requesting device as reported by the SDK.
type Device struct {
	OS             string `json:"os"`
	OSVersion      string `json:"osv"`
	Make           string `json:"make"`
	Model          string `json:"model"`
	IFA            string `json:"ifa"`
	LMT            bool   `json:"lmt"`
	ConnectionType string `json:"connectionType"`
}

// Geo carries optional coarse location hints.
type Geo struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// App identifies the publisher application.
type App struct {
	Bundle  string `json:"bundle"`
	Version string `json:"version"`
	Name    string `json:"name"`
}

// User carries optional privacy consent data, passed through opaquely.
type User struct {
	Consent string `json:"consent"`
}

// BidRequest is the internal request unit passed from the auction engine to each
// connector. It is immutable for the duration of one auction.
type BidRequest struct {
	AppKey      string
	PlacementID string
	Format      Format
	Width       int64
	Height      int64
	Device      Device
	Geo         *Geo
	App         App
	User        *User
	Test        bool
}

// Creative is the renderable payload of a winning bid.
type Creative struct {
	Type    CreativeType `json:"type"`
	Content string       `json:"content"`
	Width   int64        `json:"width,omitempty"`
	Height  int64        `json:"height,omitempty"`
}

// BidResult is one connector's answer for a BidRequest. Price must be > 0 for the
// bid to be eligible; Source identifies the demand partner (possibly composite,
// e.g. "ortb_dsp42").
type BidResult struct {
	ID       string
	Price    float64
	Source   string
	Creative Creative
	NURL     string
	BURL     string
}

// Bidder adapts the internal bid model to one demand partner's wire protocol.
//
// Implementations must be safe for concurrent use, must never panic past their
// own boundary, and must honor the deadline on ctx for every network call. A
// clean "no bid" is (nil, nil); errors are advisory and normalize to "no bid"
// at the engine.
type Bidder interface {
	// Name returns the stable connector identity used in bid sources and logs.
	Name() string

	// LoadConfigs replaces the connector's configuration snapshot with the given
	// demand-source records. An empty list deactivates the connector. Secrets in
	// cfgs remain encrypted; connectors decrypt at point of use.
	LoadConfigs(cfgs []DemandSourceConfig) error

	// RequestBid runs one bid request against the partner. request.Test short
	// circuits to a synthetic bid so the auction path is testable without live
	// partner connectivity.
	RequestBid(ctx context.Context, request *BidRequest) (*BidResult, error)
}

// MockBid builds the synthetic bid every connector returns in test mode: a
// format-appropriate creative priced uniformly within [priceMin, priceMax).
func MockBid(request *BidRequest, source string, priceMin, priceMax float64) *BidResult {
	w, h := request.Width, request.Height
	if w == 0 || h == 0 {
		switch request.Format {
		case FormatBanner:
			w, h = 320, 50
		default:
			w, h = 320, 480
		}
	}

	creative := Creative{Type: CreativeHTML, Width: w, Height: h}
	switch request.Format {
	case FormatRewarded:
		creative.Type = CreativeVAST
		creative.Content = mockVAST(source)
	default:
		creative.Content = `<div class="test-ad" data-source="` + source + `">Test ad</div>`
	}

	return &BidResult{
		ID:       "test-" + source,
		Price:    priceMin + rand.Float64()*(priceMax-priceMin),
		Source:   source,
		Creative: creative,
	}
}

func mockVAST(source string) string {
	return `<VAST version="3.0"><Ad id="test-` + source + `"><InLine><AdSystem>` + source +
		`</AdSystem><AdTitle>Test ad</AdTitle></InLine></Ad></VAST>`
}
