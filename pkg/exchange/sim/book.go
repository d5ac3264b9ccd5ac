package sim

import (
	"container/heap"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/timborden/gateway/pkg/order"
)

// restingOrder is an order owned by the simulated exchange.
type restingOrder struct {
	ID        string
	AccountID string // empty for house liquidity
	Market    string
	Side      order.Side
	Price     int64 // ticks
	Lots      int64 // original size in lots
	Remaining int64 // lots
	Leverage  decimal.Decimal
	Expiry    int64 // unix seconds
	Seq       uint64
	Expired   bool
}

func (o *restingOrder) expiredAt(now int64) bool { return o.Expiry > 0 && o.Expiry <= now }

type fill struct {
	Taker *restingOrder
	Maker *restingOrder
	Price int64
	Lots  int64
}

// PriceLevel is an aggregated [price, size] level.
type PriceLevel struct {
	Price int64
	Lots  int64
}

// book is a price-time priority limit order book. Callers serialize access.
type book struct {
	bidHeap *levelHeap
	askHeap *levelHeap
	bids    map[int64][]*restingOrder // price -> FIFO
	asks    map[int64][]*restingOrder
	index   map[string]*restingOrder

	lastPrice int64
}

func newBook() *book {
	b := &book{
		bidHeap: newBidHeap(),
		askHeap: newAskHeap(),
		bids:    make(map[int64][]*restingOrder),
		asks:    make(map[int64][]*restingOrder),
		index:   make(map[string]*restingOrder),
	}
	heap.Init(b.bidHeap)
	heap.Init(b.askHeap)
	return b
}

func (b *book) side(s order.Side) (*levelHeap, map[int64][]*restingOrder) {
	if s == order.Buy {
		return b.bidHeap, b.bids
	}
	return b.askHeap, b.asks
}

func (b *book) rest(o *restingOrder) {
	h, levels := b.side(o.Side)
	if len(levels[o.Price]) == 0 {
		heap.Push(h, o.Price)
	}
	levels[o.Price] = append(levels[o.Price], o)
	b.index[o.ID] = o
}

// remove takes an order off the book. It reports false if it isn't resting.
func (b *book) remove(id string) bool {
	o, ok := b.index[id]
	if !ok {
		return false
	}
	h, levels := b.side(o.Side)
	level := levels[o.Price]
	for i, r := range level {
		if r.ID == id {
			levels[o.Price] = append(level[:i], level[i+1:]...)
			break
		}
	}
	if len(levels[o.Price]) == 0 {
		delete(levels, o.Price)
		h.remove(o.Price)
	}
	delete(b.index, id)
	return true
}

// place matches taker against the opposite side and rests any remainder
// when rest is true. Expired makers encountered are returned, not matched.
func (b *book) place(taker *restingOrder, now int64, rest bool) (fills []fill, expired []*restingOrder) {
	opp := order.Sell
	crosses := func(p int64) bool { return p <= taker.Price }
	if taker.Side == order.Sell {
		opp = order.Buy
		crosses = func(p int64) bool { return p >= taker.Price }
	}
	h, levels := b.side(opp)

	for taker.Remaining > 0 {
		best, ok := h.peek()
		if !ok || !crosses(best) {
			break
		}
		maker := levels[best][0]
		if maker.expiredAt(now) {
			b.remove(maker.ID)
			expired = append(expired, maker)
			continue
		}
		lots := min(taker.Remaining, maker.Remaining)
		taker.Remaining -= lots
		maker.Remaining -= lots
		b.lastPrice = best
		fills = append(fills, fill{Taker: taker, Maker: maker, Price: best, Lots: lots})
		if maker.Remaining == 0 {
			b.remove(maker.ID)
		}
	}
	if rest && taker.Remaining > 0 {
		b.rest(taker)
	}
	return fills, expired
}

// expire removes every resting order whose expiry has passed.
func (b *book) expire(now int64) []*restingOrder {
	var out []*restingOrder
	for _, o := range b.index {
		if o.expiredAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for _, o := range out {
		b.remove(o.ID)
	}
	return out
}

// levels returns aggregated levels best-first.
func (b *book) levels(s order.Side) []PriceLevel {
	h, levels := b.side(s)
	out := make([]PriceLevel, 0, len(levels))
	for price, orders := range levels {
		var lots int64
		for _, o := range orders {
			lots += o.Remaining
		}
		out = append(out, PriceLevel{Price: price, Lots: lots})
	}
	sort.Slice(out, func(i, j int) bool { return h.better(out[i].Price, out[j].Price) })
	return out
}
