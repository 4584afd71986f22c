// Package identity resolves pseudonymous social identifiers to verified
// wallet addresses through the external directory service.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"bloomgate/grant"
)

var (
	// ErrNoWallet means the principal has neither a verified nor a custody
	// address; the caller must surface a "verify your wallet" outcome.
	ErrNoWallet = errors.New("identity: no wallet for principal")
	// ErrUnavailable wraps transport and upstream failures of the directory.
	ErrUnavailable = errors.New("identity: directory unavailable")
)

// Profile mirrors the directory payload for one social identifier.
type Profile struct {
	SocialID          grant.SocialID `json:"socialId"`
	VerifiedAddresses []string       `json:"verifiedAddresses"`
	CustodyAddress    string         `json:"custodyAddress"`
}

// Config defines the HTTP client settings for the directory.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	RPS      float64
	Burst    int
}

// Client queries the directory with batching, a request rate limit, and a
// short positive cache. The cache TTL is deliberately small: addresses can be
// rotated or re-verified, so resolutions must never be cached indefinitely.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *gocache.Cache
	limiter    *rate.Limiter
}

// NewClient constructs a directory client with sane defaults.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("identity: base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		cache:      gocache.New(ttl, 2*ttl),
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Resolve maps one social identifier to a wallet address: first verified
// address if any, custody address as fallback, ErrNoWallet otherwise.
func (c *Client) Resolve(ctx context.Context, id grant.SocialID) (common.Address, error) {
	resolved, err := c.ResolveBatch(ctx, []grant.SocialID{id})
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := resolved[id]
	if !ok {
		return common.Address{}, ErrNoWallet
	}
	return addr, nil
}

// ResolveBatch resolves several identifiers in one directory call. The result
// omits identifiers with no usable wallet; the caller maps absence to the
// per-principal denial.
func (c *Client) ResolveBatch(ctx context.Context, ids []grant.SocialID) (map[grant.SocialID]common.Address, error) {
	resolved := make(map[grant.SocialID]common.Address, len(ids))
	missing := make([]grant.SocialID, 0, len(ids))
	for _, id := range ids {
		if cached, ok := c.cache.Get(cacheKey(id)); ok {
			resolved[id] = cached.(common.Address)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return resolved, nil
	}

	profiles, err := c.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		addr, ok := pickAddress(profile)
		if !ok {
			continue
		}
		c.cache.SetDefault(cacheKey(profile.SocialID), addr)
		resolved[profile.SocialID] = addr
	}
	return resolved, nil
}

func (c *Client) fetch(ctx context.Context, ids []grant.SocialID) ([]Profile, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	joined := make([]string, len(ids))
	for i, id := range ids {
		joined[i] = strconv.FormatUint(uint64(id), 10)
	}
	endpoint := fmt.Sprintf("%s/v1/users?ids=%s", c.baseURL, url.QueryEscape(strings.Join(joined, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
	var payload struct {
		Users []Profile `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return payload.Users, nil
}

func pickAddress(profile Profile) (common.Address, bool) {
	for _, raw := range profile.VerifiedAddresses {
		if common.IsHexAddress(raw) {
			return common.HexToAddress(raw), true
		}
	}
	if common.IsHexAddress(profile.CustodyAddress) {
		return common.HexToAddress(profile.CustodyAddress), true
	}
	return common.Address{}, false
}

func cacheKey(id grant.SocialID) string {
	return strconv.FormatUint(uint64(id), 10)
}
