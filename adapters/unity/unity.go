// Package unity implements the Unity Ads connector. It serves a single Unity
// account (first configured demand source); the game id is chosen per platform
// from the device OS.
package unity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
	"github.com/admediary/bidgate/errortypes"
)

const (
	defaultEndpoint = "https://auction.unityads.unity3d.com/v6/bid"

	testPriceMin = 0.30
	testPriceMax = 2.50
)

// Adapter bids against Unity Ads.
type Adapter struct {
	client *http.Client
	crypto *credcrypto.Codec
	config atomic.Pointer[adapters.UnityConfig]
}

func New(client *http.Client, crypto *credcrypto.Codec) *Adapter {
	return &Adapter{client: client, crypto: crypto}
}

func (a *Adapter) Name() string {
	return "unity"
}

func (a *Adapter) LoadConfigs(cfgs []adapters.DemandSourceConfig) error {
	if len(cfgs) == 0 {
		a.config.Store(nil)
		return nil
	}
	if cfgs[0].Unity == nil {
		return fmt.Errorf("unity: demand source %s is not a Unity config", cfgs[0].ID)
	}
	a.config.Store(cfgs[0].Unity)
	return nil
}

type bidRequestBody struct {
	GameID      string `json:"game_id"`
	PlacementID string `json:"placement_id"`
	Format      string `json:"format"`
	Width       int64  `json:"width,omitempty"`
	Height      int64  `json:"height,omitempty"`
	Device      struct {
		OS             string `json:"os"`
		OSVersion      string `json:"osv"`
		Make           string `json:"make"`
		Model          string `json:"model"`
		AdvertisingID  string `json:"advertising_id"`
		LimitedAdTrack bool   `json:"limit_ad_tracking"`
		ConnectionType string `json:"connection_type"`
	} `json:"device"`
	Bundle string `json:"bundle"`
	Test   bool   `json:"test"`
}

type bidResponseBody struct {
	BidID          string   `json:"bid_id"`
	Price          float64  `json:"price"`
	AdTagURL       string   `json:"ad_tag_url"`
	Markup         string   `json:"markup"`
	ImpressionURLs []string `json:"impression_urls"`
	Width          int64    `json:"width"`
	Height         int64    `json:"height"`
}

func (a *Adapter) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	if request.Test {
		return adapters.MockBid(request, a.Name(), testPriceMin, testPriceMax), nil
	}

	cfg := a.config.Load()
	if cfg == nil {
		return nil, nil
	}

	gameID := gameIDFor(cfg, request.Device.OS)
	if gameID == "" {
		// No game registered for this platform, a normal no-bid.
		return nil, nil
	}

	payload := bidRequestBody{
		GameID:      gameID,
		PlacementID: request.PlacementID,
		Format:      string(request.Format),
		Width:       request.Width,
		Height:      request.Height,
		Bundle:      request.App.Bundle,
	}
	payload.Device.OS = request.Device.OS
	payload.Device.OSVersion = request.Device.OSVersion
	payload.Device.Make = request.Device.Make
	payload.Device.Model = request.Device.Model
	payload.Device.AdvertisingID = request.Device.IFA
	payload.Device.LimitedAdTrack = request.Device.LMT
	payload.Device.ConnectionType = request.Device.ConnectionType

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.crypto.SafeDecrypt(cfg.APIToken))
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: "unity: bid request timed out"}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("unity: returned status %d", httpResp.StatusCode)}
	}

	var response bidResponseBody
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("unity: unparseable response: %v", err)}
	}
	if response.Price <= 0 {
		return nil, nil
	}

	w, h := response.Width, response.Height
	if w == 0 || h == 0 {
		w, h = request.Width, request.Height
	}

	return &adapters.BidResult{
		ID:     response.BidID,
		Price:  response.Price,
		Source: a.Name(),
		Creative: adapters.Creative{
			Type:    adapters.CreativeHTML,
			Content: buildCreative(&response, request),
			Width:   w,
			Height:  h,
		},
	}, nil
}

// buildCreative synthesizes the renderable HTML. A remote ad-tag URL is wrapped
// into an ad tag that forwards the impression trackers; without one, the inline
// markup (or a minimal placeholder) is used as a fallback.
func buildCreative(response *bidResponseBody, request *adapters.BidRequest) string {
	var sb strings.Builder

	if response.AdTagURL != "" {
		sb.WriteString(`<script src="`)
		sb.WriteString(response.AdTagURL)
		sb.WriteString(`"></script>`)
		for _, tracker := range response.ImpressionURLs {
			sb.WriteString(`<img src="`)
			sb.WriteString(tracker)
			sb.WriteString(`" style="display:none" width="1" height="1"/>`)
		}
		return sb.String()
	}

	if response.Markup != "" {
		sb.WriteString(response.Markup)
	} else {
		sb.WriteString(fmt.Sprintf(`<div class="unity-ad" data-placement="%s"></div>`, request.PlacementID))
	}
	for _, tracker := range response.ImpressionURLs {
		sb.WriteString(`<img src="`)
		sb.WriteString(tracker)
		sb.WriteString(`" style="display:none" width="1" height="1"/>`)
	}
	return sb.String()
}

func gameIDFor(cfg *adapters.UnityConfig, os string) string {
	if strings.EqualFold(os, "ios") {
		return cfg.GameIDiOS
	}
	return cfg.GameIDAndroid
}
