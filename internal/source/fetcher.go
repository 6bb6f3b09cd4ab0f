package source

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/epidata-io/covid-etl/internal/config"
)

// Fetcher is a shared HTTP client with retry, backoff, and per-host rate
// limiting.
type Fetcher struct {
	client     *http.Client
	userAgent  string
	maxRetries int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perHost  rate.Limit
	burst    int
}

// NewFetcher creates a Fetcher from source configuration.
func NewFetcher(cfg config.SourcesConfig) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	perHost := rate.Limit(cfg.RatePerSecond)
	if perHost == 0 {
		perHost = 5
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = 5
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "covid-etl/1.0"
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout, Transport: transport},
		userAgent:  userAgent,
		maxRetries: maxRetries,
		limiters:   make(map[string]*rate.Limiter),
		perHost:    perHost,
		burst:      burst,
	}
}

func (f *Fetcher) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.perHost, f.burst)
		f.limiters[host] = lim
	}
	return lim
}

// Get fetches a URL with retries on transport errors, 429s, and 5xx.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	lim := f.limiterFor(rawURL)

	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "source: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrapf(err, "source: build request for %s", rawURL)
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			zap.L().Warn("http request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("source: http %d from %s", resp.StatusCode, rawURL)
			zap.L().Warn("retryable http status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1))
			f.backoff(ctx, attempt)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, eris.Errorf("source: http %d from %s", resp.StatusCode, rawURL)
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			f.backoff(ctx, attempt)
			continue
		}
		return body, nil
	}
	return nil, eris.Wrapf(lastErr, "source: %s after %d attempts", rawURL, f.maxRetries)
}

// backoff sleeps exponentially with jitter, respecting context cancellation.
func (f *Fetcher) backoff(ctx context.Context, attempt int) {
	base := math.Pow(2, float64(attempt))
	if base > 30 {
		base = 30
	}
	jitter := rand.Float64() * base * 0.25
	select {
	case <-time.After(time.Duration((base + jitter) * float64(time.Second))):
	case <-ctx.Done():
	}
}
