package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"council-trade-bot/internal/apperr"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Provider     Provider     `mapstructure:"provider"`
	Instrument   Instrument   `mapstructure:"instrument"`
	Council      Council      `mapstructure:"council"`
	Risk         Risk         `mapstructure:"risk"`
	Ladder       Ladder       `mapstructure:"ladder"`
	Verification Verification `mapstructure:"verification"`
	Schedule     Schedule     `mapstructure:"schedule"`
	Safety       Safety       `mapstructure:"safety"`
	Logger       Logger       `mapstructure:"logger"`
	Server       Server       `mapstructure:"server"`
	Database     Database     `mapstructure:"database"`
	Tracing      Tracing      `mapstructure:"tracing"`
}

// Provider holds the configuration for the price bar source.
type Provider struct {
	BaseURL        string        `mapstructure:"base_url"`
	ApiKey         string        `mapstructure:"api_key"`
	SourceTimezone string        `mapstructure:"source_timezone"` // zone of naive datetimes returned by the provider
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
	DailyQuota     int           `mapstructure:"daily_quota"`
	QuotaWarning   int           `mapstructure:"quota_warning"`
}

// Instrument describes the single traded symbol.
type Instrument struct {
	Symbol         string  `mapstructure:"symbol"`
	Timeframe      string  `mapstructure:"timeframe"`
	Lookback       int     `mapstructure:"lookback"`
	MacroSymbol    string  `mapstructure:"macro_symbol"`
	MacroTimeframe string  `mapstructure:"macro_timeframe"`
	PointValue     float64 `mapstructure:"point_value"` // account currency per 1.0 price move per lot
	MinLot         float64 `mapstructure:"min_lot"`
	LotStep        float64 `mapstructure:"lot_step"`
	MaxLot         float64 `mapstructure:"max_lot"`
	Spread         float64 `mapstructure:"spread"`
	TickSize       float64 `mapstructure:"tick_size"`
}

// ModuleIDs lists the analysis modules the registry builds, in order.
var ModuleIDs = []string{"trend", "candlestick", "sr", "volume", "rsi", "macd", "bollinger", "macro"}

// Council holds the aggregation rule. An empty GateModule disables the veto.
type Council struct {
	Threshold        float64            `mapstructure:"threshold"`
	GateModule       string             `mapstructure:"gate_module"`
	GateVetoSeverity float64            `mapstructure:"gate_veto_severity"`
	Weights          map[string]float64 `mapstructure:"weights"`
	MacroCacheTTL    time.Duration      `mapstructure:"macro_cache_ttl"`
	Confidence       Confidence         `mapstructure:"confidence"`
}

// Confidence holds the parameters of the decision confidence estimate.
type Confidence struct {
	Base        int `mapstructure:"base"`
	PerModule   int `mapstructure:"per_module"`
	MacroAlign  int `mapstructure:"macro_align"`
	MacroContra int `mapstructure:"macro_contra"`
	Cap         int `mapstructure:"cap"`
	Floor       int `mapstructure:"floor"`
}

// Risk holds the trade planning parameters.
type Risk struct {
	PerTrade       float64 `mapstructure:"per_trade"`
	StrictPerTrade float64 `mapstructure:"strict_per_trade"`
	RewardRisk     float64 `mapstructure:"reward_risk"`
	ATRPeriod      int     `mapstructure:"atr_period"`
	ATRMultiplier  float64 `mapstructure:"atr_multiplier"`
}

// Ladder holds the level ladder parameters.
type Ladder struct {
	Mode           string  `mapstructure:"mode"` // SAFER or STRICT
	InitialBalance float64 `mapstructure:"initial_balance"`
	GrowthFactor   float64 `mapstructure:"growth_factor"`
	DrawdownGuard  float64 `mapstructure:"drawdown_guard"` // fraction below the level's starting balance; 0 disables
	FloorBalance   float64 `mapstructure:"floor_balance"`
}

// Verification holds the verification engine parameters.
type Verification struct {
	Horizon      time.Duration `mapstructure:"horizon"`
	MaxBars      int           `mapstructure:"max_bars"`
	RetryCeiling int           `mapstructure:"retry_ceiling"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	DataGrace    time.Duration `mapstructure:"data_grace"`
}

// Schedule holds the cron expressions of the two cadences.
type Schedule struct {
	Signal       string `mapstructure:"signal"`
	Verification string `mapstructure:"verification"`
}

// Safety holds the guards applied before a signal cycle plans a trade.
type Safety struct {
	MaxTradesPerDay      int           `mapstructure:"max_trades_per_day"`
	ConsecutiveLossLimit int           `mapstructure:"consecutive_loss_limit"`
	Blackout             time.Duration `mapstructure:"blackout"`
	Events               []string      `mapstructure:"events"` // "2006-01-02 15:04" in UTC
	SkipWeekends         bool          `mapstructure:"skip_weekends"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the HTTP servers.
type Server struct {
	Port       int `mapstructure:"port"`
	StatusPort int `mapstructure:"status_port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

// Tracing toggles the OpenTelemetry stdout exporter.
type Tracing struct {
	Enabled bool `mapstructure:"enabled"`
}

// EventLayout is the layout of safety.events entries.
const EventLayout = "2006-01-02 15:04"

// LoadConfig reads configuration from file or environment variables.
// A .env file next to the config file is loaded first when present.
func LoadConfig(path string) (config Config, err error) {
	if err = godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("%w: could not read .env: %v", apperr.ErrConfiguration, err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.SetEnvPrefix("COUNCIL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("%w: %v", apperr.ErrConfiguration, err)
	}
	if config.Provider.ApiKey == "" {
		config.Provider.ApiKey = os.Getenv("TWELVE_DATA_API_KEY")
	}

	err = config.Validate()
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.base_url", "https://api.twelvedata.com")
	v.SetDefault("provider.source_timezone", "UTC")
	v.SetDefault("provider.timeout", 15*time.Second)
	v.SetDefault("provider.rate_limit", 1)       // requests per second
	v.SetDefault("provider.rate_limit_burst", 2) // burst size
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.daily_quota", 750)
	v.SetDefault("provider.quota_warning", 600)

	v.SetDefault("instrument.symbol", "XAU/USD")
	v.SetDefault("instrument.timeframe", "1min")
	v.SetDefault("instrument.lookback", 100)
	v.SetDefault("instrument.macro_symbol", "USD/EUR")
	v.SetDefault("instrument.macro_timeframe", "15min")
	v.SetDefault("instrument.point_value", 100.0)
	v.SetDefault("instrument.min_lot", 0.01)
	v.SetDefault("instrument.lot_step", 0.01)
	v.SetDefault("instrument.max_lot", 50.0)
	v.SetDefault("instrument.spread", 0.05)
	v.SetDefault("instrument.tick_size", 0.01)

	v.SetDefault("council.threshold", 2.0)
	v.SetDefault("council.gate_module", "macro")
	v.SetDefault("council.gate_veto_severity", 0.3)
	v.SetDefault("council.weights", map[string]float64{
		"trend":       1.0,
		"candlestick": 1.0,
		"sr":          1.0,
		"volume":      1.0,
		"rsi":         0.5,
		"macd":        0.5,
		"bollinger":   0.5,
		"macro":       1.0,
	})
	v.SetDefault("council.macro_cache_ttl", time.Minute)
	v.SetDefault("council.confidence.base", 50)
	v.SetDefault("council.confidence.per_module", 5)
	v.SetDefault("council.confidence.macro_align", 10)
	v.SetDefault("council.confidence.macro_contra", -10)
	v.SetDefault("council.confidence.cap", 90)
	v.SetDefault("council.confidence.floor", 30)

	v.SetDefault("risk.per_trade", 0.01)
	v.SetDefault("risk.strict_per_trade", 0.20)
	v.SetDefault("risk.reward_risk", 2.0)
	v.SetDefault("risk.atr_period", 14)
	v.SetDefault("risk.atr_multiplier", 1.5)

	v.SetDefault("ladder.mode", "SAFER")
	v.SetDefault("ladder.initial_balance", 20.0)
	v.SetDefault("ladder.growth_factor", 1.2)
	v.SetDefault("ladder.drawdown_guard", 1-1/1.2)
	v.SetDefault("ladder.floor_balance", 0.0)

	v.SetDefault("verification.horizon", 120*time.Minute)
	v.SetDefault("verification.max_bars", 120)
	v.SetDefault("verification.retry_ceiling", 3)
	v.SetDefault("verification.fetch_timeout", 20*time.Second)
	v.SetDefault("verification.claim_ttl", 10*time.Minute)
	v.SetDefault("verification.data_grace", 5*time.Minute)

	v.SetDefault("schedule.signal", "0 */30 * * * *")
	v.SetDefault("schedule.verification", "0 */5 * * * *")

	v.SetDefault("safety.max_trades_per_day", 30)
	v.SetDefault("safety.consecutive_loss_limit", 3)
	v.SetDefault("safety.blackout", 15*time.Minute)
	v.SetDefault("safety.skip_weekends", true)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.status_port", 8081)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "council.db")
}

// Validate checks the invariants the trading loop relies on.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Instrument.Symbol != "", "instrument.symbol must be set")
	check(c.Instrument.MinLot > 0, "instrument.min_lot must be positive")
	check(c.Instrument.LotStep > 0, "instrument.lot_step must be positive")
	check(c.Instrument.MaxLot >= c.Instrument.MinLot, "instrument.max_lot must be >= min_lot")
	check(c.Instrument.PointValue > 0, "instrument.point_value must be positive")
	check(c.Council.Threshold > 0, "council.threshold must be positive, got %.2f", c.Council.Threshold)
	check(c.Council.GateVetoSeverity >= 0 && c.Council.GateVetoSeverity <= 1,
		"council.gate_veto_severity must be within [0,1], got %.2f", c.Council.GateVetoSeverity)
	check(c.Council.GateModule == "" || slices.Contains(ModuleIDs, c.Council.GateModule),
		"council.gate_module must be one of %s, got '%s'", strings.Join(ModuleIDs, ", "), c.Council.GateModule)
	for id, w := range c.Council.Weights {
		check(w > 0, "council.weights.%s must be positive, got %.2f", id, w)
	}
	check(c.Risk.PerTrade > 0 && c.Risk.PerTrade < 1, "risk.per_trade must be within (0,1), got %.4f", c.Risk.PerTrade)
	check(c.Risk.StrictPerTrade > 0 && c.Risk.StrictPerTrade < 1,
		"risk.strict_per_trade must be within (0,1), got %.4f", c.Risk.StrictPerTrade)
	check(c.Risk.RewardRisk > 0, "risk.reward_risk must be positive")
	check(c.Risk.ATRPeriod > 0, "risk.atr_period must be positive")
	check(c.Risk.ATRMultiplier > 0, "risk.atr_multiplier must be positive")
	check(c.Ladder.Mode == "SAFER" || c.Ladder.Mode == "STRICT", "ladder.mode must be 'SAFER' or 'STRICT', got '%s'", c.Ladder.Mode)
	check(c.Ladder.InitialBalance > 0, "ladder.initial_balance must be positive")
	check(c.Ladder.GrowthFactor > 1, "ladder.growth_factor must be > 1, got %.2f", c.Ladder.GrowthFactor)
	check(c.Ladder.DrawdownGuard >= 0 && c.Ladder.DrawdownGuard < 1, "ladder.drawdown_guard must be within [0,1)")
	check(c.Ladder.FloorBalance >= 0, "ladder.floor_balance must not be negative")
	check(c.Verification.Horizon > 0, "verification.horizon must be positive")
	check(c.Verification.MaxBars > 0, "verification.max_bars must be positive")
	check(c.Verification.RetryCeiling >= 0, "verification.retry_ceiling must not be negative")
	check(c.Verification.FetchTimeout > 0, "verification.fetch_timeout must be positive")
	check(c.Verification.ClaimTTL > 0, "verification.claim_ttl must be positive")
	check(c.Database.Driver == "sqlite" || c.Database.Driver == "postgres",
		"database.driver must be 'sqlite' or 'postgres', got '%s'", c.Database.Driver)
	if _, err := time.LoadLocation(c.Provider.SourceTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("provider.source_timezone %q: %v", c.Provider.SourceTimezone, err))
	}
	for _, ev := range c.Safety.Events {
		if _, err := time.Parse(EventLayout, ev); err != nil {
			problems = append(problems, fmt.Sprintf("safety.events entry %q: %v", ev, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperr.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// StakeFor returns the risk fraction used for a ladder mode.
func (r Risk) StakeFor(mode string) float64 {
	if mode == "STRICT" {
		return r.StrictPerTrade
	}
	return r.PerTrade
}
