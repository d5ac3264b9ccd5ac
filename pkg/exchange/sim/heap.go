package sim

import "container/heap"

// levelHeap keeps the price levels of one book side with the best price on
// top. better(a, b) reports whether a should be matched before b.
type levelHeap struct {
	prices []int64
	better func(a, b int64) bool
}

func newBidHeap() *levelHeap { return &levelHeap{better: func(a, b int64) bool { return a > b }} }
func newAskHeap() *levelHeap { return &levelHeap{better: func(a, b int64) bool { return a < b }} }

func (h *levelHeap) Len() int           { return len(h.prices) }
func (h *levelHeap) Less(i, j int) bool { return h.better(h.prices[i], h.prices[j]) }
func (h *levelHeap) Swap(i, j int)      { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }
func (h *levelHeap) Push(x any)         { h.prices = append(h.prices, x.(int64)) }

func (h *levelHeap) Pop() any {
	n := len(h.prices)
	x := h.prices[n-1]
	h.prices = h.prices[:n-1]
	return x
}

func (h *levelHeap) peek() (int64, bool) {
	if len(h.prices) == 0 {
		return 0, false
	}
	return h.prices[0], true
}

// remove drops a price level; O(n) but only called when a level empties.
func (h *levelHeap) remove(price int64) {
	for i, p := range h.prices {
		if p == price {
			heap.Remove(h, i)
			return
		}
	}
}
