package book

import "container/list"

// priceLevel holds every resting order at one price, oldest first.
// The list holds *common.Order values; front is always the next order
// to trade at this level.
type priceLevel struct {
	price  float64
	orders *list.List
}

func newPriceLevel(price float64) *priceLevel {
	return &priceLevel{price: price, orders: list.New()}
}
