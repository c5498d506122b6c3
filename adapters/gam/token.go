package gam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/admediary/bidgate/adapters"
	"github.com/admediary/bidgate/credcrypto"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	tokenScope      = "https://www.googleapis.com/auth/dfp"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	assertionLifetime = time.Hour
	expirySkew        = time.Minute
)

type accessToken struct {
	value  string
	expiry time.Time
}

func (t accessToken) valid(now time.Time) bool {
	return t.value != "" && t.expiry.Sub(now) > expirySkew
}

// tokenCache holds one access token per GAM network code. Reads come from an
// atomically swapped map so the bidding path never takes the refresh lock;
// refreshes copy, insert and swap under refreshMu.
type tokenCache struct {
	client    *http.Client
	tokens    atomic.Pointer[map[string]accessToken]
	refreshMu sync.Mutex
	now       func() time.Time
}

func newTokenCache(client *http.Client) *tokenCache {
	c := &tokenCache{client: client, now: time.Now}
	empty := map[string]accessToken{}
	c.tokens.Store(&empty)
	return c
}

// get returns a cached token for the network while it stays clear of expiry by
// the skew margin, otherwise performs the JWT bearer exchange and caches the
// result.
func (c *tokenCache) get(ctx context.Context, cfg *adapters.GAMConfig, crypto *credcrypto.Codec) (string, error) {
	if tok, ok := (*c.tokens.Load())[cfg.NetworkCode]; ok && tok.valid(c.now()) {
		return tok.value, nil
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another auction may have refreshed while we waited for the lock.
	if tok, ok := (*c.tokens.Load())[cfg.NetworkCode]; ok && tok.valid(c.now()) {
		return tok.value, nil
	}

	tok, err := c.exchange(ctx, cfg, crypto)
	if err != nil {
		return "", err
	}

	old := *c.tokens.Load()
	next := make(map[string]accessToken, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[cfg.NetworkCode] = tok
	c.tokens.Store(&next)

	return tok.value, nil
}

// exchange signs an RS256 service-account assertion and trades it for an access
// token at the OAuth token endpoint.
func (c *tokenCache) exchange(ctx context.Context, cfg *adapters.GAMConfig, crypto *credcrypto.Codec) (accessToken, error) {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}

	keyPEM := crypto.SafeDecrypt(cfg.PrivateKey)
	rsaKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(keyPEM))
	if err != nil {
		return accessToken{}, fmt.Errorf("parse service account key: %w", err)
	}

	now := c.now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   cfg.ServiceAccountEmail,
		"scope": tokenScope,
		"aud":   tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	})
	signed, err := assertion.SignedString(rsaKey)
	if err != nil {
		return accessToken{}, fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", signed)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return accessToken{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return accessToken{}, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return accessToken{}, fmt.Errorf("token endpoint returned status %d", httpResp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return accessToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.AccessToken == "" {
		return accessToken{}, fmt.Errorf("token endpoint returned an empty access token")
	}

	return accessToken{
		value:  payload.AccessToken,
		expiry: now.Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}
