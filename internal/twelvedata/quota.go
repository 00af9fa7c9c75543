package twelvedata

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// QuotaUsage is a snapshot of today's call budget.
type QuotaUsage struct {
	Date       string  `json:"date"`
	CallsToday int     `json:"calls_today"`
	Limit      int     `json:"limit"`
	Remaining  int     `json:"remaining"`
	Percentage float64 `json:"percentage"`
}

// quota counts calls per UTC day. A limit of 0 disables it.
type quota struct {
	mu     sync.Mutex
	day    string
	count  int
	limit  int
	warn   int
	now    func() time.Time
	logger *zap.Logger
}

func newQuota(limit, warn int, logger *zap.Logger) *quota {
	return &quota{limit: limit, warn: warn, now: time.Now, logger: logger}
}

func (q *quota) rollover() {
	today := q.now().UTC().Format(dateLayout)
	if q.day != today {
		if q.day != "" {
			q.logger.Info("API quota reset", zap.String("date", today), zap.Int("calls_yesterday", q.count))
		}
		q.day = today
		q.count = 0
	}
}

// take counts one call and returns the running total.
func (q *quota) take() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	if q.limit > 0 && q.count >= q.limit {
		q.logger.Error("Daily API limit reached", zap.Int("limit", q.limit))
		return q.count, ErrQuotaExhausted
	}
	q.count++
	if q.warn > 0 && q.count == q.warn {
		q.logger.Warn("API usage approaching daily limit", zap.Int("calls", q.count), zap.Int("limit", q.limit))
	}
	return q.count, nil
}

func (q *quota) usage() QuotaUsage {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.rollover()
	u := QuotaUsage{Date: q.day, CallsToday: q.count, Limit: q.limit}
	if q.limit > 0 {
		u.Remaining = q.limit - q.count
		u.Percentage = float64(int(float64(q.count)/float64(q.limit)*1000)) / 10
	}
	return u
}
