// Package market holds the market-data payloads broadcast on data buses.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptySymbol     = errors.New("market: empty symbol")
	ErrSymbolMismatch  = errors.New("market: tick symbol does not match bar")
	ErrInvalidInterval = errors.New("market: bar interval must be > 0")
	ErrStaleTick       = errors.New("market: tick older than the open bar")
)

// Instrument describes a tradable contract.
type Instrument struct {
	Symbol   string
	Venue    string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

// RoundPrice snaps p down to the instrument's tick size.
func (i Instrument) RoundPrice(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return p
	}
	return p.Div(i.TickSize).Floor().Mul(i.TickSize)
}

// RoundQty snaps q down to the instrument's lot size.
func (i Instrument) RoundQty(q decimal.Decimal) decimal.Decimal {
	if i.LotSize.IsZero() {
		return q
	}
	return q.Div(i.LotSize).Floor().Mul(i.LotSize)
}

// Tick is a top-of-book quote.
type Tick struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

var two = decimal.NewFromInt(2)

// Mid is the midpoint of bid and ask.
func (t Tick) Mid() decimal.Decimal { return t.Bid.Add(t.Ask).Div(two) }

// Spread is ask minus bid.
func (t Tick) Spread() decimal.Decimal { return t.Ask.Sub(t.Bid) }

// Bar is an OHLCV summary of the ticks in [Start, Start+Interval).
type Bar struct {
	Symbol   string
	Interval time.Duration
	Start    time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Ticks    int
}

// BarAggregator folds mid prices of one symbol's ticks into fixed-interval
// bars. Not safe for concurrent use; run it inside one component's handler.
type BarAggregator struct {
	symbol   string
	interval time.Duration
	current  *Bar
}

func NewBarAggregator(symbol string, interval time.Duration) (*BarAggregator, error) {
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return &BarAggregator{symbol: symbol, interval: interval}, nil
}

// Add folds t into the open bar. When t falls past the open bar's interval
// the completed bar is returned with ok set. A tick from before the open
// bar's interval fails with ErrStaleTick and leaves the bar untouched.
func (a *BarAggregator) Add(t Tick) (closed Bar, ok bool, err error) {
	if t.Symbol != a.symbol {
		return Bar{}, false, ErrSymbolMismatch
	}
	start := t.Timestamp.Truncate(a.interval)
	px := t.Mid()
	vol := t.BidSize.Add(t.AskSize)

	if a.current != nil && start.Before(a.current.Start) {
		return Bar{}, false, ErrStaleTick
	}
	if a.current != nil && !start.Equal(a.current.Start) {
		closed, ok = *a.current, true
		a.current = nil
	}
	if a.current == nil {
		a.current = &Bar{
			Symbol:   a.symbol,
			Interval: a.interval,
			Start:    start,
			Open:     px,
			High:     px,
			Low:      px,
			Close:    px,
			Volume:   vol,
			Ticks:    1,
		}
		return closed, ok, nil
	}

	b := a.current
	if px.GreaterThan(b.High) {
		b.High = px
	}
	if px.LessThan(b.Low) {
		b.Low = px
	}
	b.Close = px
	b.Volume = b.Volume.Add(vol)
	b.Ticks++
	return closed, ok, nil
}

// Flush returns the open bar, if any, and resets the aggregator.
func (a *BarAggregator) Flush() (Bar, bool) {
	if a.current == nil {
		return Bar{}, false
	}
	b := *a.current
	a.current = nil
	return b, true
}
