// Package ortb implements the OpenRTB 2.5 multi-DSP connector. Unlike the
// single-account partner adapters, it fans out over every configured DSP
// endpoint concurrently and answers with the highest bid across all of them.
package ortb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/golang/glog"
	"github.com/prebid/openrtb/v20/adcom1"
	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
	"github.com/admediary/bidgate/errortypes"
)

const (
	defaultTimeoutMS = 200

	testPriceMin = 0.50
	testPriceMax = 4.00
)

// Adapter queries all configured DSP endpoints with OpenRTB 2.5 bid requests.
type Adapter struct {
	client    *http.Client
	crypto    *credcrypto.Codec
	endpoints atomic.Pointer[[]adapters.DSPEndpoint]
}

func New(client *http.Client, crypto *credcrypto.Codec) *Adapter {
	a := &Adapter{client: client, crypto: crypto}
	empty := []adapters.DSPEndpoint{}
	a.endpoints.Store(&empty)
	return a
}

func (a *Adapter) Name() string {
	return "ortb"
}

// LoadConfigs gathers the endpoint lists of every ORTB demand source into one
// snapshot and swaps it in atomically. In-flight auctions keep the snapshot
// they started with.
func (a *Adapter) LoadConfigs(cfgs []adapters.DemandSourceConfig) error {
	endpoints := make([]adapters.DSPEndpoint, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.ORTB == nil {
			return fmt.Errorf("ortb: demand source %s is not an ORTB config", cfg.ID)
		}
		endpoints = append(endpoints, cfg.ORTB.Endpoints...)
	}
	a.endpoints.Store(&endpoints)
	return nil
}

type dspResult struct {
	bid *adapters.BidResult
	err error
}

// RequestBid queries all configured DSPs concurrently and returns the single
// highest-priced bid, or (nil, nil) when no DSP answers with a usable bid.
func (a *Adapter) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	if request.Test {
		return adapters.MockBid(request, a.Name(), testPriceMin, testPriceMax), nil
	}

	endpoints := *a.endpoints.Load()
	if len(endpoints) == 0 {
		return nil, nil
	}

	results := make(chan dspResult, len(endpoints))
	for _, ep := range endpoints {
		go func(ep adapters.DSPEndpoint) {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("ortb: recovered panic from DSP %s: %v. Stack: %s", ep.ID, r, debug.Stack())
					results <- dspResult{}
				}
			}()
			bid, err := a.requestDSP(ctx, ep, request)
			results <- dspResult{bid: bid, err: err}
		}(ep)
	}

	var best *adapters.BidResult
	for range endpoints {
		res := <-results
		if res.err != nil {
			glog.Warningf("ortb: DSP call failed: %v", res.err)
			continue
		}
		if res.bid == nil || res.bid.Price <= 0 {
			continue
		}
		if best == nil || res.bid.Price > best.Price {
			best = res.bid
		}
	}
	return best, nil
}

// requestDSP runs one DSP's bid request under that DSP's own timeout and returns
// its single best bid across all seats.
func (a *Adapter) requestDSP(ctx context.Context, ep adapters.DSPEndpoint, request *adapters.BidRequest) (*adapters.BidResult, error) {
	timeout := time.Duration(ep.TimeoutMS) * time.Millisecond
	if ep.TimeoutMS <= 0 {
		timeout = defaultTimeoutMS * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ortbRequest := a.buildBidRequest(ep, request)
	body, err := json.Marshal(ortbRequest)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, ep.BidURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json;charset=utf-8")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Openrtb-Version", "2.5")
	if ep.AuthHeader != "" && ep.AuthValue != "" {
		httpReq.Header.Set(ep.AuthHeader, a.crypto.SafeDecrypt(ep.AuthValue))
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: fmt.Sprintf("DSP %s exceeded its %s timeout", ep.ID, timeout)}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("DSP %s returned status %d", ep.ID, httpResp.StatusCode)}
	}

	var bidResponse openrtb2.BidResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&bidResponse); err != nil {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("DSP %s sent unparseable response: %v", ep.ID, err)}
	}

	return a.pickBest(ep, request, &bidResponse), nil
}

// buildBidRequest maps the internal bid model onto an OpenRTB 2.5 request for one
// DSP: a single impression carrying a banner and/or video object per format,
// first-price (at=1), tmax equal to the DSP's own timeout.
func (a *Adapter) buildBidRequest(ep adapters.DSPEndpoint, request *adapters.BidRequest) *openrtb2.BidRequest {
	requestID, _ := uuid.NewV4()

	imp := openrtb2.Imp{
		ID:          "1",
		BidFloor:    ep.FloorPrices[request.Format],
		BidFloorCur: "USD",
		Secure:      int8Ptr(1),
	}

	w, h := request.Width, request.Height
	if w == 0 || h == 0 {
		w, h = defaultSize(request.Format)
	}

	// Banner object for banner and interstitial, video object for interstitial
	// and rewarded. Interstitials carry both and let the DSP choose.
	if request.Format == adapters.FormatBanner || request.Format == adapters.FormatInterstitial {
		banner := &openrtb2.Banner{W: &w, H: &h}
		if request.Format == adapters.FormatInterstitial {
			banner.Pos = adcom1.PlacementPosition(7).Ptr() // full screen
		}
		imp.Banner = banner
	}
	if request.Format == adapters.FormatInterstitial || request.Format == adapters.FormatRewarded {
		imp.Video = &openrtb2.Video{
			MIMEs:       []string{"video/mp4", "video/3gpp", "video/webm"},
			MinDuration: 5,
			MaxDuration: 30,
			// VAST 2.0/3.0 inline and wrapper
			Protocols: []adcom1.MediaCreativeSubtype{2, 3, 5, 6},
			W:         &w,
			H:         &h,
		}
		if request.Format == adapters.FormatInterstitial {
			imp.Instl = 1
		}
	}

	device := &openrtb2.Device{
		OS:    request.Device.OS,
		OSV:   request.Device.OSVersion,
		Make:  request.Device.Make,
		Model: request.Device.Model,
		IFA:   request.Device.IFA,
		Lmt:   boolToInt8Ptr(request.Device.LMT),
	}
	if ct := mapConnectionType(request.Device.ConnectionType); ct != 0 {
		device.ConnectionType = &ct
	}
	if request.Geo != nil {
		device.Geo = &openrtb2.Geo{
			Country: request.Geo.Country,
			Region:  request.Geo.Region,
			City:    request.Geo.City,
		}
	}

	ortbRequest := &openrtb2.BidRequest{
		ID:  requestID.String(),
		Imp: []openrtb2.Imp{imp},
		App: &openrtb2.App{
			Bundle: request.App.Bundle,
			Ver:    request.App.Version,
			Name:   request.App.Name,
		},
		Device: device,
		AT:     1, // first price
		TMax:   ep.TimeoutMS,
		Cur:    []string{"USD"},
	}
	if ortbRequest.TMax <= 0 {
		ortbRequest.TMax = defaultTimeoutMS
	}
	if request.User != nil && request.User.Consent != "" {
		ortbRequest.User = &openrtb2.User{Consent: request.User.Consent}
	}

	return ortbRequest
}

// pickBest flattens every seat's bids into one candidate list and keeps the
// highest-priced entry.
func (a *Adapter) pickBest(ep adapters.DSPEndpoint, request *adapters.BidRequest, response *openrtb2.BidResponse) *adapters.BidResult {
	var candidates []openrtb2.Bid
	for _, seatBid := range response.SeatBid {
		candidates = append(candidates, seatBid.Bid...)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Price > candidates[j].Price
	})

	top := candidates[0]
	if top.Price <= 0 || top.AdM == "" {
		return nil
	}

	w, h := top.W, top.H
	if w == 0 || h == 0 {
		w, h = request.Width, request.Height
	}

	return &adapters.BidResult{
		ID:     top.ID,
		Price:  top.Price,
		Source: "ortb_" + ep.ID,
		Creative: adapters.Creative{
			Type:    inferCreativeType(top.AdM),
			Content: top.AdM,
			Width:   w,
			Height:  h,
		},
		NURL: top.NURL,
		BURL: top.BURL,
	}
}

// inferCreativeType guesses the render type from the markup payload. This is a
// heuristic, not a protocol guarantee: DSPs are not required to label their
// markup, so VAST tag markers and bare image URLs are the best signals we have.
func inferCreativeType(adm string) adapters.CreativeType {
	trimmed := strings.TrimSpace(adm)
	lower := strings.ToLower(trimmed)

	if strings.Contains(lower, "<vast") || strings.Contains(lower, "<videoadservingtemplate") {
		return adapters.CreativeVAST
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
			if strings.HasSuffix(lower, ext) {
				return adapters.CreativeImage
			}
		}
	}
	return adapters.CreativeHTML
}

// mapConnectionType maps the SDK's free-form connection string onto the OpenRTB
// connection type enumeration (ethernet=1, wifi=2, cellular=3..7).
func mapConnectionType(raw string) adcom1.ConnectionType {
	switch strings.ToLower(raw) {
	case "ethernet":
		return adcom1.ConnectionType(1)
	case "wifi":
		return adcom1.ConnectionType(2)
	case "cellular", "mobile":
		return adcom1.ConnectionType(3)
	case "2g":
		return adcom1.ConnectionType(4)
	case "3g":
		return adcom1.ConnectionType(5)
	case "4g", "lte":
		return adcom1.ConnectionType(6)
	case "5g":
		return adcom1.ConnectionType(7)
	}
	return 0
}

func defaultSize(format adapters.Format) (int64, int64) {
	if format == adapters.FormatBanner {
		return 320, 50
	}
	return 320, 480
}

func int8Ptr(v int8) *int8 {
	return &v
}

func boolToInt8Ptr(v bool) *int8 {
	var i int8
	if v {
		i = 1
	}
	return &i
}
