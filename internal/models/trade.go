package models

import (
	"time"

	"council-trade-bot/internal/market"
	"gorm.io/gorm"
)

// TradeState is the verification state of a trade.
type TradeState string

const (
	StatePending TradeState = "PENDING"
	StateWin     TradeState = "WIN"
	StateLoss    TradeState = "LOSS"
	StateTimeout TradeState = "TIMEOUT"
	StateError   TradeState = "ERROR"
)

// Terminal reports whether s can never change again.
func (s TradeState) Terminal() bool {
	switch s {
	case StateWin, StateLoss, StateTimeout, StateError:
		return true
	}
	return false
}

// Trade is a paper trade awaiting or holding its verified outcome.
// Only the verification engine mutates a trade, and only while it is PENDING.
type Trade struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SignalID  uint             `gorm:"not null;index" json:"signal_id"`
	Symbol    string           `gorm:"type:varchar(20);not null" json:"symbol"`
	Timeframe string           `gorm:"type:varchar(10);not null" json:"timeframe"`
	Direction market.Direction `gorm:"type:varchar(8);not null" json:"direction"`
	EntryTime time.Time        `gorm:"not null;index" json:"entry_time"`

	Entry        float64 `gorm:"not null" json:"entry"`
	Stop         float64 `gorm:"not null" json:"stop"`
	Target       float64 `gorm:"not null" json:"target"`
	Size         float64 `gorm:"not null" json:"size"`
	StopDistance float64 `gorm:"not null" json:"stop_distance"`
	RiskFraction float64 `gorm:"not null" json:"risk_fraction"`
	RiskAmount   float64 `gorm:"not null" json:"risk_amount"`
	RewardRisk   float64 `gorm:"not null" json:"reward_risk"`
	Level        int     `gorm:"not null" json:"level"`

	State          TradeState `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"state"`
	ResolvedTime   *time.Time `json:"resolved_time,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	RMultiple      float64    `gorm:"column:r_multiple" json:"r_multiple"`
	PnL            float64    `gorm:"column:pnl" json:"pnl"`

	FetchFailures int        `gorm:"not null;default:0" json:"fetch_failures"`
	LastError     string     `json:"last_error,omitempty"`
	ClaimToken    *string    `gorm:"type:varchar(36);index" json:"-"`
	ClaimedAt     *time.Time `json:"-"`
}

// BeforeSave keeps every stored instant in UTC.
func (t *Trade) BeforeSave(*gorm.DB) error {
	t.normalize()
	return nil
}

// AfterFind hands callers UTC instants whatever the driver returned.
func (t *Trade) AfterFind(*gorm.DB) error {
	t.normalize()
	return nil
}

func (t *Trade) normalize() {
	t.EntryTime = market.Normalize(t.EntryTime)
	if t.ResolvedTime != nil {
		rt := market.Normalize(*t.ResolvedTime)
		t.ResolvedTime = &rt
	}
	if t.ClaimedAt != nil {
		ca := market.Normalize(*t.ClaimedAt)
		t.ClaimedAt = &ca
	}
}

// Age is the time elapsed since entry.
func (t *Trade) Age(now time.Time) time.Duration {
	return market.Normalize(now).Sub(t.EntryTime)
}
