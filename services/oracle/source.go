package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// PriceScale is the fixed-point scale of every quote (8 decimals).
var PriceScale = big.NewInt(100_000_000)

// Quote is a USD price observation for one asset.
type Quote struct {
	Asset string
	// Price is USD per whole unit scaled by PriceScale.
	Price      *big.Int
	ObservedAt time.Time
	Source     string
}

// Source resolves a USD price for an asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// ScaleRat converts a decimal price into PriceScale units, rounding down.
func ScaleRat(r *big.Rat) *big.Int {
	if r == nil {
		return nil
	}
	num := new(big.Int).Mul(r.Num(), PriceScale)
	return num.Quo(num, r.Denom())
}

// ParsePrice parses a decimal USD string such as "2.25".
func ParsePrice(value string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(value))
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: invalid price %q", value)
	}
	scaled := ScaleRat(rat)
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price %q below resolution", value)
	}
	return scaled, nil
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoSource adapts the public CoinGecko simple price API.
type CoinGeckoSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
	idMap    map[string]string
}

// NewCoinGeckoSource constructs a new adapter. idMap maps pool asset symbols
// to CoinGecko asset identifiers; STX maps to "blockstack" unless
// overridden.
func NewCoinGeckoSource(name string, client HTTPDoer, endpoint, apiKey string, idMap map[string]string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	mapped := map[string]string{"STX": "blockstack"}
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	if strings.TrimSpace(name) == "" {
		name = "coingecko"
	}
	return &CoinGeckoSource{name: name, client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), idMap: mapped}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return s.name }

func (s *CoinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context, asset string) (Quote, error) {
	symbol := normaliseSymbol(asset)
	id := s.assetID(symbol)
	if id == "" {
		return Quote{}, fmt.Errorf("coingecko: unmapped asset %s", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", symbol)
	}
	raw, ok := entry["usd"]
	if !ok || strings.TrimSpace(raw.String()) == "" {
		return Quote{}, fmt.Errorf("coingecko: empty price for %s", symbol)
	}
	price, err := ParsePrice(raw.String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: %w", err)
	}
	observed := time.Now().UTC()
	if ts, ok := entry["last_updated_at"]; ok {
		if parsed, err := strconv.ParseInt(ts.String(), 10, 64); err == nil && parsed > 0 {
			observed = time.Unix(parsed, 0).UTC()
		}
	}
	return Quote{Asset: symbol, Price: price, ObservedAt: observed, Source: s.name}, nil
}

// StaticSource serves fixed prices, for development networks and as a last
// configured fallback.
type StaticSource struct {
	name   string
	prices map[string]*big.Int
	now    func() time.Time
}

// NewStaticSource builds a static source from decimal USD prices.
func NewStaticSource(name string, prices map[string]string) (*StaticSource, error) {
	if strings.TrimSpace(name) == "" {
		name = "static"
	}
	parsed := make(map[string]*big.Int, len(prices))
	for asset, value := range prices {
		price, err := ParsePrice(value)
		if err != nil {
			return nil, fmt.Errorf("static source %s: %s: %w", name, asset, err)
		}
		parsed[normaliseSymbol(asset)] = price
	}
	return &StaticSource{name: name, prices: parsed, now: time.Now}, nil
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, asset string) (Quote, error) {
	symbol := normaliseSymbol(asset)
	price, ok := s.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("static source %s: no price for %s", s.name, symbol)
	}
	return Quote{Asset: symbol, Price: new(big.Int).Set(price), ObservedAt: s.now().UTC(), Source: s.name}, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
