package twelvedata

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/metrics"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	datetimeLayout = "2006-01-02 15:04:05"
	dateLayout     = "2006-01-02"
	maxOutputSize  = 5000
)

// ErrQuotaExhausted is returned once the daily call budget is spent.
var ErrQuotaExhausted = fmt.Errorf("%w: daily api quota exhausted", apperr.ErrDataFetch)

// Client is a Twelve Data REST client implementing market.BarSource.
type Client struct {
	client     *resty.Client
	apiKey     string
	logger     *zap.Logger
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	quota      *quota
	loc        *time.Location
	maxRetries int
	backoff    time.Duration
	metrics    *metrics.Metrics
}

// ensure Client implements the interface
var _ market.BarSource = (*Client)(nil)

// NewClient creates a Twelve Data client. Naive datetimes in responses are
// interpreted in cfg.SourceTimezone.
func NewClient(cfg *config.Provider, logger *zap.Logger, m *metrics.Metrics) (*Client, error) {
	loc, err := time.LoadLocation(cfg.SourceTimezone)
	if err != nil {
		return nil, fmt.Errorf("%w: source timezone: %v", apperr.ErrConfiguration, err)
	}
	if cfg.ApiKey == "" {
		logger.Warn("Twelve Data API key is empty; requests will be rejected")
	}

	log := logger.Named("twelvedata")
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		client:     client,
		apiKey:     cfg.ApiKey,
		logger:     log,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		breaker:    newBreaker("twelvedata", log),
		quota:      newQuota(cfg.DailyQuota, cfg.QuotaWarning, log),
		loc:        loc,
		maxRetries: max(cfg.MaxRetries, 1),
		backoff:    time.Second,
		metrics:    m,
	}, nil
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{
		Name:     name,
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A spent budget says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrQuotaExhausted)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return gobreaker.NewCircuitBreaker(st)
}

// statusError is a failure reported by the provider, either as an HTTP status
// or as an error code inside a 200 body.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

type apiStatus struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type timeSeriesValue struct {
	Datetime string `json:"datetime"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
}

type timeSeriesResponse struct {
	apiStatus
	Meta struct {
		Symbol   string `json:"symbol"`
		Interval string `json:"interval"`
	} `json:"meta"`
	Values []timeSeriesValue `json:"values"`
}

type priceResponse struct {
	apiStatus
	Price string `json:"price"`
}

// GetBars fetches bars opened at or after since, ascending.
func (c *Client) GetBars(ctx context.Context, symbol string, tf market.Timeframe, since time.Time) ([]market.Bar, error) {
	params := map[string]string{
		"symbol":     symbol,
		"interval":   string(tf),
		"start_date": since.In(c.loc).Format(datetimeLayout),
		"outputsize": strconv.Itoa(maxOutputSize),
		"order":      "ASC",
	}
	bars, err := c.timeSeries(ctx, tf, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars for %s since %s: %w", symbol, since.UTC().Format(time.RFC3339), err)
	}

	since = market.Normalize(since)
	out := bars[:0]
	for _, b := range bars {
		if !b.OpenTime.Before(since) {
			out = append(out, b)
		}
	}
	return out, nil
}

// GetLatestBars fetches the n most recent bars, ascending.
func (c *Client) GetLatestBars(ctx context.Context, symbol string, tf market.Timeframe, n int) ([]market.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	params := map[string]string{
		"symbol":     symbol,
		"interval":   string(tf),
		"outputsize": strconv.Itoa(min(n, maxOutputSize)),
	}
	bars, err := c.timeSeries(ctx, tf, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest %d bars for %s: %w", n, symbol, err)
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// GetQuote fetches the last traded price of symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	var result priceResponse
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "apikey": c.apiKey}).
		SetResult(&result)

	if _, err := c.execute(ctx, "/price", req, &result.apiStatus); err != nil {
		return market.Quote{}, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(result.Price, 64)
	if err != nil || price <= 0 {
		return market.Quote{}, fmt.Errorf("%w: malformed price %q for %s", apperr.ErrDataFetch, result.Price, symbol)
	}
	return market.Quote{Symbol: symbol, Price: price, Time: time.Now().UTC()}, nil
}

// HealthCheck verifies connectivity and the API key with a cheap price query.
// It spends quota like any other call.
func (c *Client) HealthCheck(ctx context.Context, symbol string) error {
	var body priceResponse
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol, "apikey": c.apiKey}).
		SetResult(&body)

	_, err := c.execute(ctx, "/price", req, &body.apiStatus)
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: invalid api key", apperr.ErrDataFetch)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: rate limited", apperr.ErrDataFetch)
		}
	}
	return fmt.Errorf("health check: %w", err)
}

// Usage reports the calls counted against today's quota.
func (c *Client) Usage() QuotaUsage {
	return c.quota.usage()
}

func (c *Client) timeSeries(ctx context.Context, tf market.Timeframe, params map[string]string) ([]market.Bar, error) {
	width, err := tf.Duration()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDataFetch, err)
	}

	var result timeSeriesResponse
	params["apikey"] = c.apiKey
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&result)

	if _, err := c.execute(ctx, "/time_series", req, &result.apiStatus); err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(result.Values))
	for _, v := range result.Values {
		b, err := c.parseBar(v, width)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrDataFetch, err)
		}
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return bars, nil
}

func (c *Client) parseBar(v timeSeriesValue, width time.Duration) (market.Bar, error) {
	layout := datetimeLayout
	if !strings.Contains(v.Datetime, ":") {
		layout = dateLayout
	}
	open, err := market.ParseInZone(layout, v.Datetime, c.loc)
	if err != nil {
		return market.Bar{}, err
	}

	var prices [4]float64
	for i, s := range []string{v.Open, v.High, v.Low, v.Close} {
		if prices[i], err = strconv.ParseFloat(s, 64); err != nil {
			return market.Bar{}, fmt.Errorf("malformed price %q at %s", s, v.Datetime)
		}
	}
	var volume float64
	if v.Volume != "" {
		if volume, err = strconv.ParseFloat(v.Volume, 64); err != nil {
			return market.Bar{}, fmt.Errorf("malformed volume %q at %s", v.Volume, v.Datetime)
		}
	}

	bar := market.NewBar(open, width, prices[0], prices[1], prices[2], prices[3], volume)
	return bar, bar.Validate()
}

// execute runs req through the circuit breaker and the retry loop.
// status is the embedded api status of the result, checked after decoding.
func (c *Client) execute(ctx context.Context, url string, req *resty.Request, status *apiStatus) (*resty.Response, error) {
	start := time.Now()
	out, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, url, req, status)
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = "breaker_open"
		}
	}
	c.metrics.ObserveProvider(url, outcome, time.Since(start))

	if err != nil {
		if errors.Is(err, apperr.ErrDataFetch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrDataFetch, err)
	}
	return out.(*resty.Response), nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
// Every attempt is one provider call and counts against the daily quota.
func (c *Client) doRequest(ctx context.Context, url string, req *resty.Request, status *apiStatus) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < c.maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
		used, qerr := c.quota.take()
		c.metrics.SetQuotaUsed(used)
		if qerr != nil {
			return nil, qerr
		}

		c.logger.Debug("Executing request", zap.String("url", c.client.BaseURL+url), zap.Int("attempt", i+1))
		*status = apiStatus{}
		resp, err = req.Get(url)

		shouldRetry := false
		var retryAfter time.Duration

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			shouldRetry = true // network or timeout
		case resp.StatusCode() == http.StatusTooManyRequests:
			shouldRetry = true
			if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
			err = &statusError{code: resp.StatusCode(), msg: "rate limited: " + resp.Status()}
		case resp.StatusCode() >= 500:
			shouldRetry = true
			err = &statusError{code: resp.StatusCode(), msg: "server error: " + resp.Status()}
		case resp.IsError():
			return nil, &statusError{
				code: resp.StatusCode(),
				msg:  fmt.Sprintf("request failed with status %s: %s", resp.Status(), resp.String()),
			}
		case status.Status == "error":
			// Twelve Data reports some failures inside a 200 body.
			if status.Code != http.StatusTooManyRequests {
				return nil, &statusError{code: status.Code, msg: fmt.Sprintf("api error %d: %s", status.Code, status.Message)}
			}
			shouldRetry = true
			err = &statusError{code: status.Code, msg: "api rate limited: " + status.Message}
		default:
			return resp, nil
		}

		if !shouldRetry || i == c.maxRetries-1 {
			break
		}

		if retryAfter == 0 {
			// Exponential backoff: 1x, 2x, 4x the base delay
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, err)
}
