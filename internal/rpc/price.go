package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"golang.org/x/sync/singleflight"
)

// ErrPriceUnavailable is returned when the price API has no quote for a coin.
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceClient fetches coin prices from a CoinGecko-compatible
// simple/price endpoint and caches them for a short time.
type PriceClient struct {
	url      string
	currency string
	ttl      time.Duration
	client   *http.Client
	cache    *bigcache.BigCache
	group    singleflight.Group
	now      func() time.Time
}

// NewPriceClient creates a price client. ttl <= 0 disables caching.
func NewPriceClient(baseURL, currency string, ttl, timeout time.Duration) (*PriceClient, error) {
	if currency == "" {
		currency = "usd"
	}

	life := ttl
	if life < time.Second {
		life = time.Second
	}
	cache, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             16,
		LifeWindow:         life,
		CleanWindow:        life,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       64,
		HardMaxCacheSize:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}

	return &PriceClient{
		url:      baseURL,
		currency: strings.ToLower(currency),
		ttl:      ttl,
		client:   &http.Client{Timeout: timeout},
		cache:    cache,
		now:      time.Now,
	}, nil
}

// Close releases the cache.
func (p *PriceClient) Close() error {
	return p.cache.Close()
}

// Price returns the price of one coin id in the configured currency.
func (p *PriceClient) Price(ctx context.Context, id string) (float64, error) {
	if id == "" {
		return 0, fmt.Errorf("%w: no price id", ErrPriceUnavailable)
	}
	if price, ok := p.cached(id); ok {
		return price, nil
	}

	// concurrent ticks for the same coin share one request
	v, err, _ := p.group.Do(id, func() (interface{}, error) {
		prices, err := p.fetch(ctx, []string{id})
		if err != nil {
			return 0.0, err
		}
		price, ok := prices[id]
		if !ok {
			return 0.0, fmt.Errorf("%w: %s", ErrPriceUnavailable, id)
		}
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Prices fetches several ids in one request and refreshes the cache.
func (p *PriceClient) Prices(ctx context.Context, ids []string) (map[string]float64, error) {
	return p.fetch(ctx, ids)
}

func (p *PriceClient) fetch(ctx context.Context, ids []string) (map[string]float64, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", p.currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var quotes map[string]map[string]float64
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	out := make(map[string]float64, len(quotes))
	for id, byCurrency := range quotes {
		price, ok := byCurrency[p.currency]
		if !ok || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			continue
		}
		out[id] = price
		p.store(id, price)
	}
	return out, nil
}

// cache entries are price bits followed by the fetch time
func (p *PriceClient) store(id string, price float64) {
	if p.ttl <= 0 {
		return
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], math.Float64bits(price))
	binary.BigEndian.PutUint64(buf[8:], uint64(p.now().UnixNano()))
	_ = p.cache.Set(id, buf)
}

func (p *PriceClient) cached(id string) (float64, bool) {
	if p.ttl <= 0 {
		return 0, false
	}
	buf, err := p.cache.Get(id)
	if err != nil || len(buf) != 16 {
		return 0, false
	}
	fetched := time.Unix(0, int64(binary.BigEndian.Uint64(buf[8:])))
	if p.now().Sub(fetched) >= p.ttl {
		return 0, false
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:8])), true
}
