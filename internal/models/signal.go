package models

import (
	"time"

	"council-trade-bot/internal/market"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Signal is the write-once record of one council decision.
type Signal struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Timestamp  time.Time        `gorm:"not null;index" json:"timestamp"`
	Symbol     string           `gorm:"type:varchar(20);not null" json:"symbol"`
	Score      float64          `gorm:"not null" json:"score"`
	Technical  market.Direction `gorm:"type:varchar(8);not null" json:"technical"`
	Direction  market.Direction `gorm:"type:varchar(8);not null;index" json:"direction"`
	GatePassed bool             `gorm:"not null" json:"gate_passed"`
	Confidence int              `gorm:"not null" json:"confidence"`
	Price      float64          `json:"price"`
	Volatility float64          `json:"volatility"`
	Opinions   datatypes.JSON   `json:"opinions"`

	// Note says why an actionable decision did not produce a trade.
	Note    string `json:"note,omitempty"`
	TradeID *uint  `json:"trade_id,omitempty"`
}

func (s *Signal) BeforeSave(*gorm.DB) error {
	s.Timestamp = market.Normalize(s.Timestamp)
	return nil
}

func (s *Signal) AfterFind(*gorm.DB) error {
	s.Timestamp = market.Normalize(s.Timestamp)
	return nil
}
