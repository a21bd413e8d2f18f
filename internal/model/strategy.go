package model

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Level is one take-profit or stop-loss step. Percent is the move from entry that triggers it,
// Fraction the share of the initial quantity closed when it fires.
type Level struct {
	ID       string  `json:"id" yaml:"id" validate:"required"`
	Label    string  `json:"label" yaml:"label"`
	Percent  float64 `json:"percent" yaml:"percent" validate:"gt=0"`
	Fraction float64 `json:"fraction" yaml:"fraction" validate:"gt=0,lte=1"`
}

// Condition compares two operands. Operands are price fields, indicator names or numeric literals.
type Condition struct {
	Left  string `json:"left" yaml:"left" validate:"required"`
	Op    string `json:"op" yaml:"op" validate:"oneof=gt lt gte lte cross_above cross_below"`
	Right string `json:"right" yaml:"right" validate:"required"`
}

// Rule holds AND-ed conditions per direction. An empty list never fires.
type Rule struct {
	Long  []Condition `json:"long" yaml:"long" validate:"dive"`
	Short []Condition `json:"short" yaml:"short" validate:"dive"`
}

// StrategyConfig is the user-defined configuration of one strategy instance.
type StrategyConfig struct {
	ID        string `json:"id" yaml:"id" validate:"required"`
	Name      string `json:"name" yaml:"name"`
	Symbol    string `json:"symbol" yaml:"symbol" validate:"required"`
	Timeframe string `json:"timeframe" yaml:"timeframe" validate:"required"`

	TakeProfitLevels []Level `json:"take_profit_levels" yaml:"take_profit_levels" validate:"dive"`
	StopLossLevels   []Level `json:"stop_loss_levels" yaml:"stop_loss_levels" validate:"dive"`
	TrailingStopPct  float64 `json:"trailing_stop_pct" yaml:"trailing_stop_pct" validate:"gte=0"`

	TradeAmount    float64 `json:"trade_amount" yaml:"trade_amount" validate:"gt=0"`
	Leverage       float64 `json:"leverage" yaml:"leverage" validate:"gte=0"`
	MaxDailyTrades int     `json:"max_daily_trades" yaml:"max_daily_trades" validate:"gt=0"`

	EMAShort   int `json:"ema_short" yaml:"ema_short" validate:"gt=0"`
	EMAMid     int `json:"ema_mid" yaml:"ema_mid" validate:"gt=0"`
	EMALong    int `json:"ema_long" yaml:"ema_long" validate:"gt=0"`
	MACDFast   int `json:"macd_fast" yaml:"macd_fast" validate:"gt=0"`
	MACDSlow   int `json:"macd_slow" yaml:"macd_slow" validate:"gt=0"`
	MACDSignal int `json:"macd_signal" yaml:"macd_signal" validate:"gt=0"`

	Entry Rule `json:"entry" yaml:"entry"`
	Exit  Rule `json:"exit" yaml:"exit"`

	MaxBars         int  `json:"max_bars" yaml:"max_bars" validate:"gte=0"`
	EvaluateOnClose bool `json:"evaluate_on_close" yaml:"evaluate_on_close"`

	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Secret   string `json:"secret" yaml:"secret"`
}

// Key returns the instrument key this strategy subscribes to.
func (c StrategyConfig) Key() InstrumentKey {
	return InstrumentKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// DisplayName returns Name, falling back to ID.
func (c StrategyConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Defaults for fields left zero.
const (
	DefaultMaxBars    = 500
	DefaultEMAShort   = 9
	DefaultEMAMid     = 21
	DefaultEMALong    = 55
	DefaultMACDFast   = 12
	DefaultMACDSlow   = 26
	DefaultMACDSignal = 9
	DefaultLeverage   = 1
)

// WithDefaults fills zero-valued periods, window size, leverage, name and entry rule.
func (c StrategyConfig) WithDefaults() StrategyConfig {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.Timeframe = strings.TrimSpace(c.Timeframe)
	if c.MaxBars == 0 {
		c.MaxBars = DefaultMaxBars
	}
	if c.EMAShort == 0 {
		c.EMAShort = DefaultEMAShort
	}
	if c.EMAMid == 0 {
		c.EMAMid = DefaultEMAMid
	}
	if c.EMALong == 0 {
		c.EMALong = DefaultEMALong
	}
	if c.MACDFast == 0 {
		c.MACDFast = DefaultMACDFast
	}
	if c.MACDSlow == 0 {
		c.MACDSlow = DefaultMACDSlow
	}
	if c.MACDSignal == 0 {
		c.MACDSignal = DefaultMACDSignal
	}
	if c.Leverage == 0 {
		c.Leverage = DefaultLeverage
	}
	if len(c.Entry.Long) == 0 && len(c.Entry.Short) == 0 {
		c.Entry = DefaultEntryRule()
	}
	for i := range c.TakeProfitLevels {
		if c.TakeProfitLevels[i].Label == "" {
			c.TakeProfitLevels[i].Label = "TP " + c.TakeProfitLevels[i].ID
		}
	}
	for i := range c.StopLossLevels {
		if c.StopLossLevels[i].Label == "" {
			c.StopLossLevels[i].Label = "SL " + c.StopLossLevels[i].ID
		}
	}
	return c
}

// DefaultEntryRule is the EMA crossover confirmed by the MACD histogram sign.
func DefaultEntryRule() Rule {
	return Rule{
		Long: []Condition{
			{Left: "ema_short", Op: "cross_above", Right: "ema_mid"},
			{Left: "macd_hist", Op: "gt", Right: "0"},
		},
		Short: []Condition{
			{Left: "ema_short", Op: "cross_below", Right: "ema_mid"},
			{Left: "macd_hist", Op: "lt", Right: "0"},
		},
	}
}

var validate = validator.New()

// Validate checks field constraints and that level ids are unique within each ladder.
func (c StrategyConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := uniqueLevels(c.TakeProfitLevels); err != nil {
		return fmt.Errorf("%w: take_profit_levels: %v", ErrInvalidConfig, err)
	}
	if err := uniqueLevels(c.StopLossLevels); err != nil {
		return fmt.Errorf("%w: stop_loss_levels: %v", ErrInvalidConfig, err)
	}
	return nil
}

func uniqueLevels(levels []Level) error {
	seen := make(map[string]bool, len(levels))
	for _, l := range levels {
		if seen[l.ID] {
			return fmt.Errorf("duplicate level id %q", l.ID)
		}
		seen[l.ID] = true
	}
	return nil
}

// ConfigPatch is a partial StrategyConfig update; nil fields are left unchanged.
type ConfigPatch struct {
	Name             *string  `json:"name,omitempty"`
	Symbol           *string  `json:"symbol,omitempty"`
	Timeframe        *string  `json:"timeframe,omitempty"`
	TakeProfitLevels *[]Level `json:"take_profit_levels,omitempty"`
	StopLossLevels   *[]Level `json:"stop_loss_levels,omitempty"`
	TrailingStopPct  *float64 `json:"trailing_stop_pct,omitempty"`
	TradeAmount      *float64 `json:"trade_amount,omitempty"`
	Leverage         *float64 `json:"leverage,omitempty"`
	MaxDailyTrades   *int     `json:"max_daily_trades,omitempty"`
	EMAShort         *int     `json:"ema_short,omitempty"`
	EMAMid           *int     `json:"ema_mid,omitempty"`
	EMALong          *int     `json:"ema_long,omitempty"`
	MACDFast         *int     `json:"macd_fast,omitempty"`
	MACDSlow         *int     `json:"macd_slow,omitempty"`
	MACDSignal       *int     `json:"macd_signal,omitempty"`
	Entry            *Rule    `json:"entry,omitempty"`
	Exit             *Rule    `json:"exit,omitempty"`
	MaxBars          *int     `json:"max_bars,omitempty"`
	EvaluateOnClose  *bool    `json:"evaluate_on_close,omitempty"`
	Endpoint         *string  `json:"endpoint,omitempty"`
	Secret           *string  `json:"secret,omitempty"`
}

// Apply merges the patch into c and returns the result.
func (p ConfigPatch) Apply(c StrategyConfig) StrategyConfig {
	setStr(&c.Name, p.Name)
	setStr(&c.Symbol, p.Symbol)
	setStr(&c.Timeframe, p.Timeframe)
	setStr(&c.Endpoint, p.Endpoint)
	setStr(&c.Secret, p.Secret)
	setF(&c.TrailingStopPct, p.TrailingStopPct)
	setF(&c.TradeAmount, p.TradeAmount)
	setF(&c.Leverage, p.Leverage)
	setI(&c.MaxDailyTrades, p.MaxDailyTrades)
	setI(&c.EMAShort, p.EMAShort)
	setI(&c.EMAMid, p.EMAMid)
	setI(&c.EMALong, p.EMALong)
	setI(&c.MACDFast, p.MACDFast)
	setI(&c.MACDSlow, p.MACDSlow)
	setI(&c.MACDSignal, p.MACDSignal)
	setI(&c.MaxBars, p.MaxBars)
	if p.TakeProfitLevels != nil {
		c.TakeProfitLevels = append([]Level(nil), (*p.TakeProfitLevels)...)
	}
	if p.StopLossLevels != nil {
		c.StopLossLevels = append([]Level(nil), (*p.StopLossLevels)...)
	}
	if p.Entry != nil {
		c.Entry = *p.Entry
	}
	if p.Exit != nil {
		c.Exit = *p.Exit
	}
	if p.EvaluateOnClose != nil {
		c.EvaluateOnClose = *p.EvaluateOnClose
	}
	return c
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setF(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setI(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// FullPatch returns a patch that replaces every field of a config with c's values.
func FullPatch(c StrategyConfig) ConfigPatch {
	tp := append([]Level(nil), c.TakeProfitLevels...)
	sl := append([]Level(nil), c.StopLossLevels...)
	entry, exit := c.Entry, c.Exit
	return ConfigPatch{
		Name: &c.Name, Symbol: &c.Symbol, Timeframe: &c.Timeframe,
		TakeProfitLevels: &tp, StopLossLevels: &sl, TrailingStopPct: &c.TrailingStopPct,
		TradeAmount: &c.TradeAmount, Leverage: &c.Leverage, MaxDailyTrades: &c.MaxDailyTrades,
		EMAShort: &c.EMAShort, EMAMid: &c.EMAMid, EMALong: &c.EMALong,
		MACDFast: &c.MACDFast, MACDSlow: &c.MACDSlow, MACDSignal: &c.MACDSignal,
		Entry: &entry, Exit: &exit,
		MaxBars: &c.MaxBars, EvaluateOnClose: &c.EvaluateOnClose,
		Endpoint: &c.Endpoint, Secret: &c.Secret,
	}
}
