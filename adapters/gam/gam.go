// Package gam implements the Google Ad Manager connector.
//
// The data model permits multiple GAM demand sources per publisher, but this
// adapter intentionally serves only the first configured account; the ORTB
// connector is the multi-endpoint path. GAM authenticates with a service-account
// JWT bearer-token exchange and serves ad markup from which a price is extracted
// with a structured parser (VAST pricing element or an HTML price attribute),
// falling back to hard-coded per-format floors when the markup carries no price.
package gam

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
	"github.com/admediary/bidgate/errortypes"
)

const (
	defaultAdServerURL = "https://securepubads.g.doubleclick.net/gampad/ads"

	testPriceMin = 0.80
	testPriceMax = 5.00
)

// Hard-coded fallback prices used when the returned markup carries no price
// field. This heuristic is fragile: it assumes format value ordering
// (rewarded > interstitial > banner) instead of a partner-quoted price.
var fallbackFloors = map[adapters.Format]float64{
	adapters.FormatBanner:       0.50,
	adapters.FormatInterstitial: 1.50,
	adapters.FormatRewarded:     3.00,
}

// Adapter bids against one Google Ad Manager network.
type Adapter struct {
	client *http.Client
	crypto *credcrypto.Codec
	tokens *tokenCache
	config atomic.Pointer[adapters.GAMConfig]

	// tokenURL, when set, replaces the OAuth endpoint for accounts that do not
	// carry their own. Used to point at a stub OAuth server in tests.
	tokenURL string
}

func New(client *http.Client, crypto *credcrypto.Codec) *Adapter {
	return &Adapter{
		client: client,
		crypto: crypto,
		tokens: newTokenCache(client),
	}
}

// WithTokenURL sets the fallback OAuth token endpoint and returns the adapter.
func (a *Adapter) WithTokenURL(url string) *Adapter {
	a.tokenURL = url
	return a
}

func (a *Adapter) Name() string {
	return "gam"
}

// LoadConfigs keeps the first GAM demand source; additional accounts are logged
// and ignored (single-account limitation, see package doc).
func (a *Adapter) LoadConfigs(cfgs []adapters.DemandSourceConfig) error {
	if len(cfgs) == 0 {
		a.config.Store(nil)
		return nil
	}
	if cfgs[0].GAM == nil {
		return fmt.Errorf("gam: demand source %s is not a GAM config", cfgs[0].ID)
	}
	if len(cfgs) > 1 {
		glog.Warningf("gam: %d accounts configured, only the first (network %s) is served", len(cfgs), cfgs[0].GAM.NetworkCode)
	}
	cfg := *cfgs[0].GAM
	if cfg.TokenURL == "" {
		cfg.TokenURL = a.tokenURL
	}
	a.config.Store(&cfg)
	return nil
}

func (a *Adapter) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	if request.Test {
		return adapters.MockBid(request, a.Name(), testPriceMin, testPriceMax), nil
	}

	cfg := a.config.Load()
	if cfg == nil {
		return nil, nil
	}

	token, err := a.tokens.get(ctx, cfg, a.crypto)
	if err != nil {
		return nil, fmt.Errorf("gam: token exchange for network %s failed: %w", cfg.NetworkCode, err)
	}

	adURL := a.buildAdRequestURL(cfg, request)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, adURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: "gam: ad request timed out"}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("gam: ad server returned status %d", httpResp.StatusCode)}
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	parsed := parseMarkup(body)
	if parsed == nil {
		// no-fill sentinel or empty markup, a normal outcome
		return nil, nil
	}

	price := parsed.price
	if price <= 0 {
		price = fallbackFloors[request.Format]
	}

	return &adapters.BidResult{
		ID:     "gam-" + cfg.NetworkCode + "-" + request.PlacementID,
		Price:  price,
		Source: a.Name(),
		Creative: adapters.Creative{
			Type:    parsed.creativeType,
			Content: parsed.markup,
			Width:   request.Width,
			Height:  request.Height,
		},
	}, nil
}

// buildAdRequestURL assembles the GAM ad request: inventory unit, per-format size
// string, custom targeting and device identifiers.
func (a *Adapter) buildAdRequestURL(cfg *adapters.GAMConfig, request *adapters.BidRequest) string {
	base := cfg.AdServerURL
	if base == "" {
		base = defaultAdServerURL
	}

	custParams := url.Values{}
	if request.Geo != nil && request.Geo.Country != "" {
		custParams.Set("country", request.Geo.Country)
	}
	custParams.Set("os", request.Device.OS)
	custParams.Set("format", string(request.Format))

	params := url.Values{}
	params.Set("iu", "/"+cfg.NetworkCode+"/"+request.PlacementID)
	params.Set("sz", sizeString(request))
	params.Set("cust_params", custParams.Encode())
	params.Set("rdid", request.Device.IFA)
	params.Set("idtype", idType(request.Device.OS))
	params.Set("is_lat", boolParam(request.Device.LMT))
	if request.Format == adapters.FormatRewarded {
		params.Set("vpos", "preroll")
	}

	return base + "?" + params.Encode()
}

// sizeString renders the per-format size parameter: the exact size for banners, a
// multi-size list for interstitials, a fixed video size for rewarded.
func sizeString(request *adapters.BidRequest) string {
	switch request.Format {
	case adapters.FormatBanner:
		w, h := request.Width, request.Height
		if w == 0 || h == 0 {
			w, h = 320, 50
		}
		return fmt.Sprintf("%dx%d", w, h)
	case adapters.FormatInterstitial:
		return "320x480|480x320|768x1024|1024x768"
	default:
		return "640x480"
	}
}

func idType(os string) string {
	if strings.EqualFold(os, "ios") {
		return "idfa"
	}
	return "adid"
}

func boolParam(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
