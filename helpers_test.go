package xmsg

import (
	"context"
	"sync"
	"time"
)

type placeOrder struct {
	CommandBase
	Symbol string
	Qty    int
}

func newPlaceOrder(symbol string, qty int) placeOrder {
	return placeOrder{CommandBase: NewCommandBase(nil), Symbol: symbol, Qty: qty}
}

type orderFilled struct {
	EventBase
	Qty int
}

func newOrderFilled(qty int) orderFilled {
	return orderFilled{EventBase: NewEventBase(nil), Qty: qty}
}

type positionReport struct {
	DocumentBase
	Position int
}

// rogue implements Message without embedding a category base.
type rogue struct{ Header }

func (rogue) Category() Category { return CategoryUnknown }

type quote struct {
	Symbol string
	Price  int
}

// recorder is an Endpoint that keeps everything it is sent.
type recorder struct {
	mu   sync.Mutex
	msgs []any
	err  error
}

func (r *recorder) Send(_ context.Context, msg any) error { return r.TrySend(msg) }

func (r *recorder) TrySend(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// manualTicker fires only when the test calls tick. The channel is
// unbuffered, so tick returns once the loop has taken the tick.
type manualTicker struct {
	c chan time.Time
}

func newManualTicker() *manualTicker { return &manualTicker{c: make(chan time.Time)} }

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               {}
func (m *manualTicker) tick()               { m.c <- time.Now() }

func (m *manualTicker) factory() func(time.Duration) Ticker {
	return func(time.Duration) Ticker { return m }
}

// collector is a concurrency-safe Observer.
type collector struct {
	mu     sync.Mutex
	events []Trace
}

func (c *collector) OnTrace(e Trace) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) count(t TraceType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func stopCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
