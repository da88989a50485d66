// Package pool provides the Order object pool. Every path that
// creates an Order either transfers ownership into a book structure
// or returns it to the pool before the request returns; no path does
// both.
package pool

import (
	"sync"

	"ironbook/internal/common"
)

// OrderPool recycles *common.Order values across ADD/CANCEL/match
// cycles so steady-state order flow does not allocate.
type OrderPool struct {
	pool sync.Pool
}

// New builds an OrderPool ready for use.
func New() *OrderPool {
	return &OrderPool{
		pool: sync.Pool{
			New: func() any { return &common.Order{} },
		},
	}
}

// Get returns a zeroed Order, either recycled or freshly allocated.
func (p *OrderPool) Get() *common.Order {
	return p.pool.Get().(*common.Order)
}

// Put resets o and returns it to the pool. The caller must not retain
// any other reference to o afterward.
func (p *OrderPool) Put(o *common.Order) {
	if o == nil {
		return
	}
	o.Reset()
	p.pool.Put(o)
}
