package twelvedata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/market"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// setupTestServer creates a new test server and a Client configured to use it.
func setupTestServer(t *testing.T, handler http.Handler, loc *time.Location) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := zap.NewNop() // Use a no-op logger for tests
	return &Client{
		client:     resty.New().SetBaseURL(server.URL),
		apiKey:     "test_api_key",
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Inf, 1), // Allow all requests in tests
		breaker:    newBreaker("test", logger),
		quota:      newQuota(0, 0, logger),
		loc:        loc,
		maxRetries: 3,
		backoff:    time.Millisecond,
	}
}

func jsonReply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

const seriesBody = `{
  "meta": {"symbol": "XAU/USD", "interval": "1min"},
  "values": [
    {"datetime": "2024-03-01 13:02:00", "open": "2041.0", "high": "2043.5", "low": "2040.2", "close": "2042.9"},
    {"datetime": "2024-03-01 13:01:00", "open": "2040.0", "high": "2041.5", "low": "2039.8", "close": "2041.0"},
    {"datetime": "2024-03-01 13:00:00", "open": "2039.0", "high": "2040.5", "low": "2038.5", "close": "2040.0"}
  ],
  "status": "ok"
}`

func TestGetBars(t *testing.T) {
	t.Run("Success localizes naive datetimes", func(t *testing.T) {
		// Arrange
		zone := time.FixedZone("UTC+3", 3*3600)
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/time_series", r.URL.Path)
			assert.Equal(t, "XAU/USD", r.URL.Query().Get("symbol"))
			assert.Equal(t, "2024-03-01 13:01:00", r.URL.Query().Get("start_date"))
			assert.Equal(t, "test_api_key", r.URL.Query().Get("apikey"))
			jsonReply(w, http.StatusOK, seriesBody)
		})
		c := setupTestServer(t, handler, zone)
		since := time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC)

		// Act
		bars, err := c.GetBars(context.Background(), "XAU/USD", "1min", since)

		// Assert
		require.NoError(t, err)
		require.Len(t, bars, 2)
		assert.Equal(t, time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC), bars[0].OpenTime)
		assert.Equal(t, time.Date(2024, 3, 1, 10, 2, 0, 0, time.UTC), bars[0].CloseTime)
		assert.Equal(t, time.UTC, bars[1].OpenTime.Location())
		assert.InDelta(t, 2043.5, bars[1].High, 1e-9)
	})

	t.Run("APIError in body", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `{"code": 400, "message": "invalid symbol", "status": "error"}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		_, err := c.GetBars(context.Background(), "NOPE", "1min", time.Now())

		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrDataFetch)
		assert.Contains(t, err.Error(), "invalid symbol")
	})

	t.Run("Malformed payload", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `{"values": [{"datetime": "2024-03-01 13:00:00", "open": "x", "high": "1", "low": "1", "close": "1"}], "status": "ok"}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		_, err := c.GetBars(context.Background(), "XAU/USD", "1min", time.Time{})

		assert.ErrorIs(t, err, apperr.ErrDataFetch)
	})
}

func TestRetries(t *testing.T) {
	t.Run("Retries server errors then succeeds", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				jsonReply(w, http.StatusBadGateway, `{}`)
				return
			}
			jsonReply(w, http.StatusOK, `{"price": "2041.25"}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		q, err := c.GetQuote(context.Background(), "XAU/USD")

		require.NoError(t, err)
		assert.InDelta(t, 2041.25, q.Price, 1e-9)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Equal(t, 3, c.Usage().CallsToday, "every attempt is billed")
	})

	t.Run("Gives up after max retries", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			jsonReply(w, http.StatusTooManyRequests, `{}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		_, err := c.GetQuote(context.Background(), "XAU/USD")

		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrDataFetch)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("Client errors are not retried", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			jsonReply(w, http.StatusBadRequest, `{"message": "bad"}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		_, err := c.GetQuote(context.Background(), "XAU/USD")

		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Breaker opens after consecutive failures", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			jsonReply(w, http.StatusBadRequest, `{}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		for i := 0; i < 3; i++ {
			_, _ = c.GetQuote(context.Background(), "XAU/USD")
		}
		_, err := c.GetQuote(context.Background(), "XAU/USD")

		assert.ErrorIs(t, err, apperr.ErrDataFetch)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})
}

func TestQuota(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonReply(w, http.StatusOK, `{"price": "2000"}`)
	})
	c := setupTestServer(t, handler, time.UTC)
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	c.quota = newQuota(2, 1, zap.NewNop())
	c.quota.now = func() time.Time { return day }

	_, err := c.GetQuote(context.Background(), "XAU/USD")
	require.NoError(t, err)
	_, err = c.GetQuote(context.Background(), "XAU/USD")
	require.NoError(t, err)

	_, err = c.GetQuote(context.Background(), "XAU/USD")
	assert.ErrorIs(t, err, ErrQuotaExhausted)
	assert.Equal(t, 0, c.Usage().Remaining)
	assert.Equal(t, gobreaker.StateClosed, c.breaker.State())

	day = day.Add(2 * time.Minute)
	_, err = c.GetQuote(context.Background(), "XAU/USD")
	assert.NoError(t, err)
	assert.Equal(t, 1, c.Usage().CallsToday)
}

func TestHealthCheck(t *testing.T) {
	t.Run("Invalid api key", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusUnauthorized, `{}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		err := c.HealthCheck(context.Background(), "XAU/USD")
		require.Error(t, err)
		assert.ErrorIs(t, err, apperr.ErrDataFetch)
		assert.Contains(t, err.Error(), "invalid api key")
	})

	t.Run("Rate limited after retries", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusTooManyRequests, `{}`)
		})
		c := setupTestServer(t, handler, time.UTC)

		err := c.HealthCheck(context.Background(), "XAU/USD")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rate limited")
		assert.Equal(t, 3, c.Usage().CallsToday)
	})

	t.Run("Counts against the quota", func(t *testing.T) {
		var calls int32
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			jsonReply(w, http.StatusOK, `{"price": "2000"}`)
		})
		c := setupTestServer(t, handler, time.UTC)
		c.quota = newQuota(3, 0, zap.NewNop())

		for i := 0; i < 3; i++ {
			require.NoError(t, c.HealthCheck(context.Background(), "XAU/USD"))
		}
		err := c.HealthCheck(context.Background(), "XAU/USD")

		assert.ErrorIs(t, err, ErrQuotaExhausted)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
		assert.Equal(t, 3, c.Usage().CallsToday)
	})

	t.Run("Waits on the rate limiter", func(t *testing.T) {
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jsonReply(w, http.StatusOK, `{"price": "2000"}`)
		})
		c := setupTestServer(t, handler, time.UTC)
		c.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

		require.NoError(t, c.HealthCheck(context.Background(), "XAU/USD"))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := c.HealthCheck(ctx, "XAU/USD")
		assert.ErrorIs(t, err, apperr.ErrDataFetch)
		assert.Equal(t, 1, c.Usage().CallsToday)
	})
}

func TestLatestBarsTrimsToN(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("outputsize"))
		jsonReply(w, http.StatusOK, seriesBody)
	})
	c := setupTestServer(t, handler, time.UTC)

	bars, err := c.GetLatestBars(context.Background(), "XAU/USD", market.Timeframe("1min"), 2)

	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].OpenTime.Before(bars[1].OpenTime))
	assert.InDelta(t, 2042.9, bars[1].Close, 1e-9)
}
