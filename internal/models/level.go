package models

import (
	"time"

	"council-trade-bot/internal/market"
	"gorm.io/gorm"
)

// Level is one append-only row of the ladder history. The latest row is the
// current ladder state.
type Level struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RecordedAt time.Time `gorm:"not null;index" json:"recorded_at"`

	Level        int     `gorm:"not null" json:"level"`
	Balance      float64 `gorm:"not null" json:"balance"`
	Target       float64 `gorm:"not null" json:"target"`
	StartBalance float64 `gorm:"not null" json:"start_balance"`
	Mode         string  `gorm:"type:varchar(10);not null" json:"mode"`

	// Reason is INIT, RESET or the trade result that produced the row.
	Reason  string  `gorm:"type:varchar(16);not null" json:"reason"`
	TradeID *uint   `gorm:"index" json:"trade_id,omitempty"`
	PnL     float64 `gorm:"column:pnl" json:"pnl"`
}

func (l *Level) BeforeSave(*gorm.DB) error {
	l.RecordedAt = market.Normalize(l.RecordedAt)
	return nil
}

func (l *Level) AfterFind(*gorm.DB) error {
	l.RecordedAt = market.Normalize(l.RecordedAt)
	return nil
}

// ModulePerformance is the grading ledger row of one analysis module.
type ModulePerformance struct {
	ModuleID    string    `gorm:"primaryKey;type:varchar(32)" json:"module_id"`
	TradesSeen  int       `gorm:"not null;default:0" json:"trades_seen"`
	Agreements  int       `gorm:"not null;default:0" json:"agreements"`
	Neutral     int       `gorm:"not null;default:0" json:"neutral"`
	CumulativeR float64   `gorm:"column:cumulative_r;not null;default:0" json:"cumulative_r"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (ModulePerformance) TableName() string {
	return "module_performance"
}

// BotControl is the singleton row holding operator switches.
type BotControl struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Paused    bool      `gorm:"not null;default:false" json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}
