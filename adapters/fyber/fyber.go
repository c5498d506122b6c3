// Package fyber implements the Fyber (DT Exchange) connector. Requests carry a
// keyed-hash signature over an alphabetically canonicalized parameter string;
// the partner's security token stays encrypted at rest and is decrypted only to
// sign. Single-account: the first configured Fyber demand source is served.
package fyber

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
	"github.com/admediary/bidgate/errortypes"
)

const (
	defaultEndpoint = "https://ad.fyber.com/api/v1/ads"

	testPriceMin = 0.20
	testPriceMax = 2.00
)

// Adapter bids against Fyber.
type Adapter struct {
	client *http.Client
	crypto *credcrypto.Codec
	config atomic.Pointer[adapters.FyberConfig]
	now    func() time.Time
}

func New(client *http.Client, crypto *credcrypto.Codec) *Adapter {
	return &Adapter{client: client, crypto: crypto, now: time.Now}
}

func (a *Adapter) Name() string {
	return "fyber"
}

func (a *Adapter) LoadConfigs(cfgs []adapters.DemandSourceConfig) error {
	if len(cfgs) == 0 {
		a.config.Store(nil)
		return nil
	}
	if cfgs[0].Fyber == nil {
		return fmt.Errorf("fyber: demand source %s is not a Fyber config", cfgs[0].ID)
	}
	a.config.Store(cfgs[0].Fyber)
	return nil
}

type fyberAd struct {
	ID       string  `json:"id"`
	Payout   float64 `json:"payout"`
	VASTXml  string  `json:"vast_xml"`
	ImageURL string  `json:"image_url"`
	HTML     string  `json:"html"`
	Width    int64   `json:"width"`
	Height   int64   `json:"height"`
	ClickURL string  `json:"click_url"`
}

type fyberResponse struct {
	Ads []fyberAd `json:"ads"`
}

func (a *Adapter) RequestBid(ctx context.Context, request *adapters.BidRequest) (*adapters.BidResult, error) {
	if request.Test {
		return adapters.MockBid(request, a.Name(), testPriceMin, testPriceMax), nil
	}

	cfg := a.config.Load()
	if cfg == nil {
		return nil, nil
	}

	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	signedParams := map[string]string{
		"app_id":    cfg.AppID,
		"device_id": request.Device.IFA,
		"format":    string(request.Format),
		"timestamp": timestamp,
	}
	signature := sign(signedParams, a.crypto.SafeDecrypt(cfg.SecurityToken))

	params := url.Values{}
	for k, v := range signedParams {
		params.Set(k, v)
	}
	params.Set("signature", signature)
	params.Set("os", request.Device.OS)
	params.Set("osv", request.Device.OSVersion)
	if request.Width > 0 && request.Height > 0 {
		params.Set("ad_size", fmt.Sprintf("%dx%d", request.Width, request.Height))
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errortypes.Timeout{Message: "fyber: ad request timed out"}
		}
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("fyber: returned status %d", httpResp.StatusCode)}
	}

	var response fyberResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, &errortypes.BadServerResponse{Message: fmt.Sprintf("fyber: unparseable response: %v", err)}
	}
	if len(response.Ads) == 0 {
		return nil, nil
	}

	best := response.Ads[0]
	for _, ad := range response.Ads[1:] {
		if ad.Payout > best.Payout {
			best = ad
		}
	}
	if best.Payout <= 0 {
		return nil, nil
	}

	creativeType, content := mapCreative(&best)
	w, h := best.Width, best.Height
	if w == 0 || h == 0 {
		w, h = request.Width, request.Height
	}

	return &adapters.BidResult{
		ID:     best.ID,
		Price:  best.Payout,
		Source: a.Name(),
		Creative: adapters.Creative{
			Type:    creativeType,
			Content: content,
			Width:   w,
			Height:  h,
		},
	}, nil
}

// sign builds the canonical alphabetically-sorted k=v&... string and computes an
// HMAC-SHA256 over it with the partner security token.
func sign(params map[string]string, token string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	canonical := strings.Join(pairs, "&")

	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// mapCreative chooses the creative type by which payload field the ad populates:
// VAST first, then image, with HTML as the default.
func mapCreative(ad *fyberAd) (adapters.CreativeType, string) {
	switch {
	case ad.VASTXml != "":
		return adapters.CreativeVAST, ad.VASTXml
	case ad.ImageURL != "":
		return adapters.CreativeImage, ad.ImageURL
	default:
		return adapters.CreativeHTML, ad.HTML
	}
}
