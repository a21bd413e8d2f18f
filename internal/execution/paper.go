package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-engine/internal/model"
)

// Fill represents a simulated fill of one emitted action.
type Fill struct {
	OrderID  string              `json:"order_id"`
	Action   model.EmittedAction `json:"action"`
	Price    decimal.Decimal     `json:"price"`
	Quantity decimal.Decimal     `json:"quantity"`
	Slippage decimal.Decimal     `json:"slippage"`
}

// Summary is the paper result of one strategy.
type Summary struct {
	StrategyID  string          `json:"strategy_id"`
	Fills       int             `json:"fills"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenQty     decimal.Decimal `json:"open_qty"` // signed: long > 0, short < 0
	AvgEntry    decimal.Decimal `json:"avg_entry"`
}

type book struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
	realized decimal.Decimal
	fills    int
}

// PaperExecutor simulates fills for emitted actions and tracks realized PnL per
// strategy. It implements model.ActionSink.
type PaperExecutor struct {
	mu       sync.RWMutex
	fills    []Fill
	books    map[string]*book
	orderSeq int64

	// basis points of slippage (e.g., 5 = 0.05%)
	slippageBps decimal.Decimal
	log         *zap.Logger
}

// NewPaperExecutor creates a paper trading executor.
func NewPaperExecutor(slippageBps int64, log *zap.Logger) *PaperExecutor {
	return &PaperExecutor{
		fills:       make([]Fill, 0, 1000),
		books:       make(map[string]*book),
		slippageBps: decimal.NewFromInt(slippageBps),
		log:         log,
	}
}

func (p *PaperExecutor) Name() string { return "paper" }

// Deliver fills the action at its execution price adjusted by slippage.
func (p *PaperExecutor) Deliver(ctx context.Context, a model.EmittedAction, endpoint string) error {
	if a.ExecutionQuantity <= 0 || a.ExecutionPrice <= 0 {
		return fmt.Errorf("paper: action %s has no quantity or price", a.ID)
	}
	price := decimal.NewFromFloat(a.ExecutionPrice)
	qty := decimal.NewFromFloat(a.ExecutionQuantity)

	slip := price.Mul(p.slippageBps).Div(decimal.NewFromInt(10000))
	if a.Action == model.ActionBuy || a.Action == model.ActionBuyToCover {
		price = price.Add(slip) // buy higher
	} else {
		price = price.Sub(slip) // sell lower
	}

	p.mu.Lock()
	p.orderSeq++
	fill := Fill{
		OrderID:  fmt.Sprintf("PAPER-%d", p.orderSeq),
		Action:   a,
		Price:    price,
		Quantity: qty,
		Slippage: slip,
	}
	p.fills = append(p.fills, fill)
	b, ok := p.books[a.StrategyID]
	if !ok {
		b = &book{}
		p.books[a.StrategyID] = b
	}
	b.apply(a.Action, price, qty)
	p.mu.Unlock()

	p.log.Debug("paper fill",
		zap.String("order", fill.OrderID),
		zap.String("strategy", a.StrategyID),
		zap.String("action", string(a.Action)),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()))
	return nil
}

// apply folds one fill into the signed position and realized PnL.
func (b *book) apply(action model.ActionType, price, qty decimal.Decimal) {
	b.fills++
	signed := qty
	if action == model.ActionSell {
		signed = qty.Neg()
	}

	// Same direction (or opening): extend and re-average.
	if b.qty.IsZero() || b.qty.Sign() == signed.Sign() {
		total := b.qty.Add(signed)
		b.avgEntry = b.avgEntry.Mul(b.qty.Abs()).Add(price.Mul(qty)).Div(total.Abs())
		b.qty = total
		return
	}

	// Reducing: realize PnL on the closed part.
	closing := decimal.Min(qty, b.qty.Abs())
	if b.qty.IsPositive() {
		b.realized = b.realized.Add(price.Sub(b.avgEntry).Mul(closing))
	} else {
		b.realized = b.realized.Add(b.avgEntry.Sub(price).Mul(closing))
	}
	b.qty = b.qty.Add(signed)
	rest := qty.Sub(closing)
	switch {
	case b.qty.IsZero():
		b.avgEntry = decimal.Zero
	case rest.IsPositive():
		// Flipped through zero: the remainder opens at this price.
		b.avgEntry = price
	}
}

// GetFills returns a snapshot of all fills.
func (p *PaperExecutor) GetFills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Summaries returns one summary per strategy ordered by id.
func (p *PaperExecutor) Summaries() []Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Summary, 0, len(p.books))
	for id, b := range p.books {
		out = append(out, Summary{
			StrategyID:  id,
			Fills:       b.fills,
			RealizedPnL: b.realized,
			OpenQty:     b.qty,
			AvgEntry:    b.avgEntry,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}
