package book

import "ironbook/internal/common"

// triggerLevel buckets every dormant stop-loss order sharing one
// triggerPrice, mirroring the resting multimap keyed by triggerPrice
// described in spec §3/§4.2.4.
type triggerLevel struct {
	price  float64
	orders []*common.Order
}
