package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/apperr"
	"council-trade-bot/internal/grading"
	"council-trade-bot/internal/ladder"
	"council-trade-bot/internal/market"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/planner"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence layer of the trading loop. A Store obtained from
// InTx runs every call inside that transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", apperr.ErrPersistence, op, err)
}

// InTx runs fn in one transaction. Returning an error rolls it back.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- ladder ---------------------------------------------------------------

func levelRow(st ladder.State, reason string, tradeID *uint, pnl float64, at time.Time) models.Level {
	return models.Level{
		RecordedAt:   at,
		Level:        st.Level,
		Balance:      st.Balance,
		Target:       st.Target,
		StartBalance: st.StartBalance,
		Mode:         st.Mode,
		Reason:       reason,
		TradeID:      tradeID,
		PnL:          pnl,
	}
}

func stateOf(l models.Level) ladder.State {
	return ladder.State{Level: l.Level, Balance: l.Balance, Target: l.Target, StartBalance: l.StartBalance, Mode: l.Mode}
}

// CurrentLevel returns the latest ladder state.
func (s *Store) CurrentLevel(ctx context.Context) (ladder.State, error) {
	var row models.Level
	if err := s.db.WithContext(ctx).Order("id DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ladder.State{}, persistErr("current level", errors.New("ladder was never seeded"))
		}
		return ladder.State{}, persistErr("current level", err)
	}
	return stateOf(row), nil
}

// AppendLevel adds a history row. Rows are never updated.
func (s *Store) AppendLevel(ctx context.Context, st ladder.State, reason string, tradeID *uint, pnl float64, at time.Time) error {
	row := levelRow(st, reason, tradeID, pnl, at)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return persistErr("append level", err)
	}
	return nil
}

// LevelHistory returns the newest rows first.
func (s *Store) LevelHistory(ctx context.Context, limit int) ([]models.Level, error) {
	var rows []models.Level
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, persistErr("level history", err)
	}
	return rows, nil
}

// --- signals --------------------------------------------------------------

// SaveSignal persists a decision record with its opinions.
func (s *Store) SaveSignal(ctx context.Context, sig *models.Signal, opinions []analysis.Opinion) error {
	raw, err := json.Marshal(opinions)
	if err != nil {
		return fmt.Errorf("failed to encode opinions: %w", err)
	}
	sig.Opinions = datatypes.JSON(raw)
	if err := s.db.WithContext(ctx).Create(sig).Error; err != nil {
		return persistErr("save signal", err)
	}
	return nil
}

// AnnotateSignal records why an actionable signal produced no trade.
func (s *Store) AnnotateSignal(ctx context.Context, id uint, note string) error {
	if err := s.db.WithContext(ctx).Model(&models.Signal{}).Where("id = ?", id).Update("note", note).Error; err != nil {
		return persistErr("annotate signal", err)
	}
	return nil
}

// LatestSignal returns the most recent decision record.
func (s *Store) LatestSignal(ctx context.Context) (*models.Signal, error) {
	var sig models.Signal
	if err := s.db.WithContext(ctx).Order("id DESC").First(&sig).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistErr("latest signal", err)
	}
	return &sig, nil
}

// SignalOpinions decodes the opinions stored on a signal.
func (s *Store) SignalOpinions(ctx context.Context, signalID uint) ([]analysis.Opinion, error) {
	var sig models.Signal
	if err := s.db.WithContext(ctx).Select("id", "opinions").First(&sig, signalID).Error; err != nil {
		return nil, persistErr("signal opinions", err)
	}
	return DecodeOpinions(sig.Opinions)
}

// DecodeOpinions parses the JSON column of a signal.
func DecodeOpinions(raw datatypes.JSON) ([]analysis.Opinion, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ops []analysis.Opinion
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode opinions: %w", err)
	}
	return ops, nil
}

// --- trades ---------------------------------------------------------------

// OpenTrade persists plan as a PENDING trade and links it to its signal.
func (s *Store) OpenTrade(ctx context.Context, plan planner.Plan, symbol, timeframe string) (*models.Trade, error) {
	trade := &models.Trade{
		SignalID:     plan.SignalID,
		Symbol:       symbol,
		Timeframe:    timeframe,
		Direction:    plan.Direction,
		EntryTime:    plan.CreatedAt,
		Entry:        plan.Entry,
		Stop:         plan.Stop,
		Target:       plan.Target,
		Size:         plan.Size,
		StopDistance: plan.StopDistance,
		RiskFraction: plan.RiskFraction,
		RiskAmount:   plan.RiskAmount,
		RewardRisk:   plan.RewardRisk,
		Level:        plan.Level,
		State:        models.StatePending,
	}
	err := s.InTx(ctx, func(tx *Store) error {
		if err := tx.db.Create(trade).Error; err != nil {
			return err
		}
		return tx.db.Model(&models.Signal{}).Where("id = ?", plan.SignalID).Update("trade_id", trade.ID).Error
	})
	if err != nil {
		return nil, persistErr("open trade", err)
	}
	return trade, nil
}

// Trade loads one trade.
func (s *Store) Trade(ctx context.Context, id uint) (*models.Trade, error) {
	var t models.Trade
	if err := s.db.WithContext(ctx).First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, persistErr("load trade", err)
	}
	return &t, nil
}

// PendingTrades lists every PENDING trade, oldest first.
func (s *Store) PendingTrades(ctx context.Context) ([]models.Trade, error) {
	var trades []models.Trade
	if err := s.db.WithContext(ctx).Where("state = ?", models.StatePending).Order("entry_time ASC, id ASC").Find(&trades).Error; err != nil {
		return nil, persistErr("pending trades", err)
	}
	return trades, nil
}

// RecentTrades lists the newest trades, optionally filtered by state.
func (s *Store) RecentTrades(ctx context.Context, limit int, states ...models.TradeState) ([]models.Trade, error) {
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	var trades []models.Trade
	if err := q.Find(&trades).Error; err != nil {
		return nil, persistErr("recent trades", err)
	}
	return trades, nil
}

// RecentOutcomes lists trades that reached a market outcome (WIN, LOSS or
// TIMEOUT), latest resolution first.
func (s *Store) RecentOutcomes(ctx context.Context, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("state IN ?", []models.TradeState{models.StateWin, models.StateLoss, models.StateTimeout}).
		Order("resolved_time DESC").Order("id DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, persistErr("recent outcomes", err)
	}
	return trades, nil
}

// CountTradesSince counts trades entered at or after since.
func (s *Store) CountTradesSince(ctx context.Context, since time.Time) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Trade{}).Where("entry_time >= ?", market.Normalize(since)).Count(&n).Error; err != nil {
		return 0, persistErr("count trades", err)
	}
	return int(n), nil
}

// ClaimTrade takes the verification claim on a PENDING trade. It returns
// false when the trade is terminal or another worker holds a live claim.
func (s *Store) ClaimTrade(ctx context.Context, id uint, token string, now time.Time, ttl time.Duration) (bool, error) {
	now = market.Normalize(now)
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND state = ?", id, models.StatePending).
		Where("(claim_token IS NULL OR claimed_at < ?)", now.Add(-ttl)).
		Updates(map[string]any{"claim_token": token, "claimed_at": now})
	if res.Error != nil {
		return false, persistErr("claim trade", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseClaim drops a claim without changing the trade.
func (s *Store) ReleaseClaim(ctx context.Context, id uint, token string) error {
	err := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]any{"claim_token": nil, "claimed_at": nil}).Error
	if err != nil {
		return persistErr("release claim", err)
	}
	return nil
}

// RecordFetchFailure counts one failed fetch against a claimed trade,
// releases the claim and returns the new failure count.
func (s *Store) RecordFetchFailure(ctx context.Context, id uint, token, msg string) (int, error) {
	var failures int
	err := s.InTx(ctx, func(tx *Store) error {
		res := tx.db.Model(&models.Trade{}).
			Where("id = ? AND state = ? AND claim_token = ?", id, models.StatePending, token).
			Updates(map[string]any{
				"fetch_failures": gorm.Expr("fetch_failures + ?", 1),
				"last_error":     msg,
				"claim_token":    nil,
				"claimed_at":     nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrClaimLost
		}
		return tx.db.Model(&models.Trade{}).Select("fetch_failures").Where("id = ?", id).Scan(&failures).Error
	})
	if errors.Is(err, ErrClaimLost) {
		return 0, err
	}
	if err != nil {
		return 0, persistErr("record fetch failure", err)
	}
	return failures, nil
}

// ErrClaimLost means the trade was resolved or reclaimed by someone else.
var ErrClaimLost = errors.New("trade claim lost")

// Resolution is the terminal transition of one trade.
type Resolution struct {
	TradeID      uint
	Token        string
	State        models.TradeState
	ResolvedTime time.Time
	Note         string
	RMultiple    float64
	PnL          float64

	// FetchFailures and LastError are written when LastError is set.
	FetchFailures int
	LastError     string
}

// FinalizeTrade commits r if the caller still holds the claim. It reports
// false when the trade already left PENDING or the claim was taken over.
func (s *Store) FinalizeTrade(ctx context.Context, r Resolution) (bool, error) {
	updates := map[string]any{
		"state":           r.State,
		"resolved_time":   market.Normalize(r.ResolvedTime),
		"resolution_note": r.Note,
		"r_multiple":      r.RMultiple,
		"pnl":             r.PnL,
		"claim_token":     nil,
		"claimed_at":      nil,
	}
	if r.LastError != "" {
		updates["fetch_failures"] = r.FetchFailures
		updates["last_error"] = r.LastError
	}
	res := s.db.WithContext(ctx).Model(&models.Trade{}).
		Where("id = ? AND state = ? AND claim_token = ?", r.TradeID, models.StatePending, r.Token).
		Updates(updates)
	if res.Error != nil {
		return false, persistErr("finalize trade", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// --- grading ledger -------------------------------------------------------

// ModulePerformances returns every ledger row keyed by module id.
func (s *Store) ModulePerformances(ctx context.Context) (map[string]grading.Performance, error) {
	var rows []models.ModulePerformance
	if err := s.db.WithContext(ctx).Order("module_id").Find(&rows).Error; err != nil {
		return nil, persistErr("module performance", err)
	}
	out := make(map[string]grading.Performance, len(rows))
	for _, r := range rows {
		out[r.ModuleID] = grading.Performance{
			ModuleID:    r.ModuleID,
			TradesSeen:  r.TradesSeen,
			Agreements:  r.Agreements,
			Neutral:     r.Neutral,
			CumulativeR: r.CumulativeR,
		}
	}
	return out, nil
}

// AddPerformance adds each delta to its module's counters, creating rows on
// first sight. Increments happen in SQL so concurrent commits cannot lose one.
func (s *Store) AddPerformance(ctx context.Context, deltas []grading.Performance) error {
	now := nowUTC()
	for _, d := range deltas {
		row := models.ModulePerformance{
			ModuleID:    d.ModuleID,
			TradesSeen:  d.TradesSeen,
			Agreements:  d.Agreements,
			Neutral:     d.Neutral,
			CumulativeR: d.CumulativeR,
			UpdatedAt:   now,
		}
		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "module_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"trades_seen":  gorm.Expr("module_performance.trades_seen + ?", d.TradesSeen),
				"agreements":   gorm.Expr("module_performance.agreements + ?", d.Agreements),
				"neutral":      gorm.Expr("module_performance.neutral + ?", d.Neutral),
				"cumulative_r": gorm.Expr("module_performance.cumulative_r + ?", d.CumulativeR),
				"updated_at":   now,
			}),
		}).Create(&row).Error
		if err != nil {
			return persistErr("add performance", err)
		}
	}
	return nil
}

// --- statistics and control -----------------------------------------------

// Stats summarizes trade outcomes. Win rate counts WIN and LOSS only.
type Stats struct {
	Total    int     `json:"total"`
	Pending  int     `json:"pending"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	Timeouts int     `json:"timeouts"`
	Errors   int     `json:"errors"`
	WinRate  float64 `json:"win_rate"`
	NetR     float64 `json:"net_r"`
	NetPnL   float64 `json:"net_pnl"`
}

// TradeStats aggregates trades entered at or after since; a zero since means all time.
func (s *Store) TradeStats(ctx context.Context, since time.Time) (Stats, error) {
	type row struct {
		State models.TradeState
		N     int
		R     float64
		PnL   float64 `gorm:"column:pnl"`
	}
	var rows []row
	q := s.db.WithContext(ctx).Model(&models.Trade{}).
		Select("state, COUNT(*) AS n, COALESCE(SUM(r_multiple), 0) AS r, COALESCE(SUM(pnl), 0) AS pnl").
		Group("state")
	if !since.IsZero() {
		q = q.Where("entry_time >= ?", market.Normalize(since))
	}
	if err := q.Scan(&rows).Error; err != nil {
		return Stats{}, persistErr("trade stats", err)
	}

	var st Stats
	for _, r := range rows {
		st.Total += r.N
		switch r.State {
		case models.StatePending:
			st.Pending = r.N
		case models.StateWin:
			st.Wins = r.N
		case models.StateLoss:
			st.Losses = r.N
		case models.StateTimeout:
			st.Timeouts = r.N
		case models.StateError:
			st.Errors = r.N
		}
		if r.State == models.StateWin || r.State == models.StateLoss {
			st.NetR += r.R
			st.NetPnL += r.PnL
		}
	}
	if graded := st.Wins + st.Losses; graded > 0 {
		st.WinRate = float64(st.Wins) / float64(graded) * 100
	}
	return st, nil
}

// Paused reports the operator pause switch.
func (s *Store) Paused(ctx context.Context) (bool, error) {
	var c models.BotControl
	if err := s.db.WithContext(ctx).First(&c, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, persistErr("bot control", err)
	}
	return c.Paused, nil
}

// SetPaused flips the operator pause switch.
func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	err := s.db.WithContext(ctx).Model(&models.BotControl{}).Where("id = ?", 1).
		Updates(map[string]any{"paused": paused, "updated_at": nowUTC()}).Error
	if err != nil {
		return persistErr("set paused", err)
	}
	return nil
}
