package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/zapbank/backend/internal/money"
)

// Service supplies the two price sources the payment flow needs: the mid
// price (USD volume accounting) and the dealer buy/sell prices (actual
// conversion). Callers must pick the ratio appropriate to the operation.
type Service interface {
	MidPriceRatio(ctx context.Context) (money.PriceRatio, error)
	DealerBuyRatio(ctx context.Context) (money.PriceRatio, error)
	DealerSellRatio(ctx context.Context) (money.PriceRatio, error)
}

const midPriceCacheKey = "price:mid"

type HTTPService struct {
	baseURL  string
	client   *http.Client
	redis    *redis.Client
	cacheTTL time.Duration
}

func NewHTTPService(rdb *redis.Client) *HTTPService {
	viper.SetDefault("prices.base_url", "http://localhost:9060")
	viper.SetDefault("prices.timeout", 5*time.Second)
	viper.SetDefault("prices.cache_ttl", 5*time.Minute)

	return &HTTPService{
		baseURL:  viper.GetString("prices.base_url"),
		client:   &http.Client{Timeout: viper.GetDuration("prices.timeout")},
		redis:    rdb,
		cacheTTL: viper.GetDuration("prices.cache_ttl"),
	}
}

type ratioResponse struct {
	Cents uint64 `json:"cents"`
	Sats  uint64 `json:"sats"`
}

// MidPriceRatio fetches the current mid price. On upstream failure it falls
// back to the last cached value; mid price staleness only skews volume
// accounting, never an actual conversion.
func (s *HTTPService) MidPriceRatio(ctx context.Context) (money.PriceRatio, error) {
	ratio, err := s.fetchRatio(ctx, "/v1/price/mid")
	if err != nil {
		log.Printf("[PRICE] Mid price fetch failed, trying cache: %v", err)
		return s.cachedMidPrice(ctx, err)
	}
	s.cacheMidPrice(ctx, ratio)
	return ratio, nil
}

// DealerBuyRatio is the dealer's price for buying USD from the user (user
// sends BTC, receives USD). Hard-fails: conversions must not run on stale
// dealer prices.
func (s *HTTPService) DealerBuyRatio(ctx context.Context) (money.PriceRatio, error) {
	return s.fetchRatio(ctx, "/v1/price/dealer/buy")
}

// DealerSellRatio is the dealer's price for selling USD to the user.
func (s *HTTPService) DealerSellRatio(ctx context.Context) (money.PriceRatio, error) {
	return s.fetchRatio(ctx, "/v1/price/dealer/sell")
}

func (s *HTTPService) fetchRatio(ctx context.Context, path string) (money.PriceRatio, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return money.PriceRatio{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return money.PriceRatio{}, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return money.PriceRatio{}, fmt.Errorf("price service returned status %d", resp.StatusCode)
	}

	var body ratioResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return money.PriceRatio{}, err
	}
	return money.NewPriceRatio(money.NewCents(body.Cents), money.NewSats(body.Sats))
}

func (s *HTTPService) cacheMidPrice(ctx context.Context, ratio money.PriceRatio) {
	if s.redis == nil {
		return
	}
	cents := ratio.CentsFromSats(money.NewSats(100_000_000))
	value := fmt.Sprintf("%d:%d", cents.Amount, 100_000_000)
	if err := s.redis.Set(ctx, midPriceCacheKey, value, s.cacheTTL).Err(); err != nil {
		log.Printf("[PRICE] Failed to cache mid price: %v", err)
	}
}

func (s *HTTPService) cachedMidPrice(ctx context.Context, fetchErr error) (money.PriceRatio, error) {
	if s.redis == nil {
		return money.PriceRatio{}, fetchErr
	}
	value, err := s.redis.Get(ctx, midPriceCacheKey).Result()
	if err != nil {
		return money.PriceRatio{}, fmt.Errorf("mid price unavailable and no cached value: %w", fetchErr)
	}
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return money.PriceRatio{}, fmt.Errorf("malformed cached mid price %q", value)
	}
	cents, err1 := strconv.ParseUint(parts[0], 10, 64)
	sats, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return money.PriceRatio{}, fmt.Errorf("malformed cached mid price %q", value)
	}
	log.Printf("[PRICE] Using cached mid price %s", value)
	return money.NewPriceRatio(money.NewCents(cents), money.NewSats(sats))
}
