package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/ensemble-trader/internal/mode"
)

// PositionSide is the direction of an open position
type PositionSide string

const (
	Long  PositionSide = "long"
	Short PositionSide = "short"
)

// Side is the direction of a fill
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Closes returns the fill side that reduces a position of side s
func (s PositionSide) Closes() Side {
	if s == Long {
		return Sell
	}
	return Buy
}

func (s PositionSide) sign() decimal.Decimal {
	if s == Short {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Position represents the single open position for a symbol. Venue is
// where the opening fill executed; exits go back to the same venue.
type Position struct {
	Symbol          string       `json:"symbol"`
	Side            PositionSide `json:"side"`
	Size            float64      `json:"size"` // units, always > 0
	EntryPrice      float64      `json:"entry_price"`
	StopLossPrice   float64      `json:"stop_loss_price"`
	TakeProfitPrice float64      `json:"take_profit_price"`
	OpenedAt        time.Time    `json:"opened_at"`
	MarkPrice       float64      `json:"mark_price"`
	UnrealizedPnL   float64      `json:"unrealized_pnl"`
	RealizedPnL     float64      `json:"realized_pnl"` // realized on partial exits so far
	Venue           mode.Mode    `json:"venue,omitempty"`
}

// Notional is the position value at the mark (entry when unmarked)
func (p Position) Notional() float64 {
	px := p.MarkPrice
	if px == 0 {
		px = p.EntryPrice
	}
	return p.Size * px
}

// Fill is one execution applied to the book
type Fill struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
	Venue    mode.Mode `json:"venue,omitempty"`
}

// ApplyResult reports what a fill did to the book
type ApplyResult struct {
	Realized float64 // P&L realized by this fill
	Opened   bool    // a new position was created (including a reversal)
	Closed   bool    // the prior position was fully closed
}

var ErrInvalidFill = errors.New("invalid fill")

// Book is the position ledger of one account. It is not safe for concurrent
// use; the risk manager serializes access.
type Book struct {
	StopLossPct   float64
	TakeProfitPct float64

	positions     map[string]Position
	realizedTotal decimal.Decimal
	realizedToday decimal.Decimal
	day           string
}

func NewBook(stopLossPct, takeProfitPct float64, now time.Time) *Book {
	return &Book{
		StopLossPct:   stopLossPct,
		TakeProfitPct: takeProfitPct,
		positions:     make(map[string]Position),
		day:           now.UTC().Format("2006-01-02"),
	}
}

// RollDay resets the daily realized P&L when the UTC date changes
func (b *Book) RollDay(now time.Time) bool {
	today := now.UTC().Format("2006-01-02")
	if today == b.day {
		return false
	}
	b.day = today
	b.realizedToday = decimal.Zero
	return true
}

// Apply books a fill: opens, adds to, reduces, closes, or reverses the
// position for the fill's symbol.
func (b *Book) Apply(f Fill) (ApplyResult, error) {
	if f.Symbol == "" || f.Quantity <= 0 || f.Price <= 0 || math.IsNaN(f.Quantity) || math.IsNaN(f.Price) {
		return ApplyResult{}, fmt.Errorf("%w: %+v", ErrInvalidFill, f)
	}
	if f.Side != Buy && f.Side != Sell {
		return ApplyResult{}, fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	}
	b.RollDay(f.Time)

	qty := decimal.NewFromFloat(f.Quantity)
	price := decimal.NewFromFloat(f.Price)
	pos, exists := b.positions[f.Symbol]

	if !exists {
		b.open(f.Symbol, sideFor(f.Side), qty, price, f.Time, f.Venue)
		return ApplyResult{Opened: true}, nil
	}

	if pos.Side.Closes() != f.Side {
		// Adding to the position: new volume-weighted entry
		size := decimal.NewFromFloat(pos.Size)
		entry := decimal.NewFromFloat(pos.EntryPrice)
		total := size.Add(qty)
		avg := size.Mul(entry).Add(qty.Mul(price)).Div(total)
		pos.Size = total.InexactFloat64()
		pos.EntryPrice = avg.InexactFloat64()
		pos.StopLossPrice, pos.TakeProfitPrice = b.levels(pos.Side, avg)
		if pos.Venue == "" {
			pos.Venue = f.Venue
		}
		b.positions[f.Symbol] = pos
		return ApplyResult{}, nil
	}

	// Reducing, closing or reversing
	size := decimal.NewFromFloat(pos.Size)
	closing := decimal.Min(qty, size)
	realized := closing.Mul(price.Sub(decimal.NewFromFloat(pos.EntryPrice))).Mul(pos.Side.sign())
	b.realizedTotal = b.realizedTotal.Add(realized)
	b.realizedToday = b.realizedToday.Add(realized)

	res := ApplyResult{Realized: realized.InexactFloat64()}
	remaining := size.Sub(closing)
	if remaining.IsPositive() {
		pos.Size = remaining.InexactFloat64()
		pos.RealizedPnL = decimal.NewFromFloat(pos.RealizedPnL).Add(realized).InexactFloat64()
		b.positions[f.Symbol] = pos
		b.mark(f.Symbol, pos.MarkPrice)
		return res, nil
	}

	delete(b.positions, f.Symbol)
	res.Closed = true
	if excess := qty.Sub(closing); excess.IsPositive() {
		b.open(f.Symbol, sideFor(f.Side), excess, price, f.Time, f.Venue)
		res.Opened = true
	}
	return res, nil
}

func (b *Book) open(symbol string, side PositionSide, qty, price decimal.Decimal, at time.Time, venue mode.Mode) {
	sl, tp := b.levels(side, price)
	b.positions[symbol] = Position{
		Symbol:          symbol,
		Side:            side,
		Size:            qty.InexactFloat64(),
		EntryPrice:      price.InexactFloat64(),
		StopLossPrice:   sl,
		TakeProfitPrice: tp,
		OpenedAt:        at,
		MarkPrice:       price.InexactFloat64(),
		Venue:           venue,
	}
}

func (b *Book) levels(side PositionSide, entry decimal.Decimal) (stopLoss, takeProfit float64) {
	// A non-positive percentage disables that level
	one := decimal.NewFromInt(1)
	sl := decimal.NewFromFloat(b.StopLossPct)
	tp := decimal.NewFromFloat(b.TakeProfitPct)
	if side == Short {
		sl, tp = sl.Neg(), tp.Neg()
	}
	if b.StopLossPct > 0 {
		stopLoss = entry.Mul(one.Sub(sl)).InexactFloat64()
	}
	if b.TakeProfitPct > 0 {
		takeProfit = entry.Mul(one.Add(tp)).InexactFloat64()
	}
	return stopLoss, takeProfit
}

// Mark updates the mark price and unrealized P&L of a symbol's position.
// It returns false when there is no position.
func (b *Book) Mark(symbol string, price float64) bool {
	if _, ok := b.positions[symbol]; !ok || price <= 0 {
		return false
	}
	b.mark(symbol, price)
	return true
}

func (b *Book) mark(symbol string, price float64) {
	pos := b.positions[symbol]
	if price <= 0 {
		price = pos.EntryPrice
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = decimal.NewFromFloat(pos.Size).
		Mul(decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(pos.EntryPrice))).
		Mul(pos.Side.sign()).InexactFloat64()
	b.positions[symbol] = pos
}

// ExitTrigger reports whether the mark crossed the stop-loss or take-profit
// level. reason is "stop_loss" or "take_profit".
func (b *Book) ExitTrigger(symbol string) (reason string, hit bool) {
	pos, ok := b.positions[symbol]
	if !ok || pos.MarkPrice <= 0 {
		return "", false
	}
	switch pos.Side {
	case Long:
		if pos.StopLossPrice > 0 && pos.MarkPrice <= pos.StopLossPrice {
			return "stop_loss", true
		}
		if pos.TakeProfitPrice > 0 && pos.MarkPrice >= pos.TakeProfitPrice {
			return "take_profit", true
		}
	case Short:
		if pos.StopLossPrice > 0 && pos.MarkPrice >= pos.StopLossPrice {
			return "stop_loss", true
		}
		if pos.TakeProfitPrice > 0 && pos.MarkPrice <= pos.TakeProfitPrice {
			return "take_profit", true
		}
	}
	return "", false
}

func (b *Book) Position(symbol string) (Position, bool) {
	p, ok := b.positions[symbol]
	return p, ok
}

// Positions returns a copy of the open positions keyed by symbol
func (b *Book) Positions() map[string]Position {
	out := make(map[string]Position, len(b.positions))
	for k, v := range b.positions {
		out[k] = v
	}
	return out
}

// Symbols returns open symbols in sorted order
func (b *Book) Symbols() []string {
	out := make([]string, 0, len(b.positions))
	for k := range b.positions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (b *Book) Len() int { return len(b.positions) }

func (b *Book) Exposure(symbol string) float64 {
	if p, ok := b.positions[symbol]; ok {
		return p.Notional()
	}
	return 0
}

func (b *Book) GrossExposure() float64 {
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(decimal.NewFromFloat(p.Notional()))
	}
	return total.InexactFloat64()
}

func (b *Book) Unrealized() float64 {
	total := decimal.Zero
	for _, p := range b.positions {
		total = total.Add(decimal.NewFromFloat(p.UnrealizedPnL))
	}
	return total.InexactFloat64()
}

func (b *Book) RealizedTotal() float64 { return b.realizedTotal.InexactFloat64() }
func (b *Book) RealizedToday() float64 { return b.realizedToday.InexactFloat64() }

// Equity is the starting capital plus realized and unrealized P&L
func (b *Book) Equity(startingCapital float64) float64 {
	return decimal.NewFromFloat(startingCapital).
		Add(b.realizedTotal).
		Add(decimal.NewFromFloat(b.Unrealized())).InexactFloat64()
}

// State is the serializable form of a Book
type State struct {
	Day           string          `json:"day"`
	RealizedTotal decimal.Decimal `json:"realized_total"`
	RealizedToday decimal.Decimal `json:"realized_today"`
	Positions     []Position      `json:"positions"`
}

func (b *Book) State() State {
	st := State{Day: b.day, RealizedTotal: b.realizedTotal, RealizedToday: b.realizedToday}
	for _, sym := range b.Symbols() {
		st.Positions = append(st.Positions, b.positions[sym])
	}
	return st
}

// Restore replaces the book contents with a saved state
func (b *Book) Restore(st State) {
	b.positions = make(map[string]Position, len(st.Positions))
	for _, p := range st.Positions {
		b.positions[p.Symbol] = p
	}
	b.realizedTotal = st.RealizedTotal
	b.realizedToday = st.RealizedToday
	if st.Day != "" {
		b.day = st.Day
	}
}

func sideFor(s Side) PositionSide {
	if s == Sell {
		return Short
	}
	return Long
}
