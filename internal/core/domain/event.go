package domain

import "time"

// StockEvent is broadcast to observers of a (store, product) topic after a commit.
type StockEvent struct {
	StoreID   int64     `json:"store_id"`
	ProductID int64     `json:"product_id"`
	Quantity  int64     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StockEvent) Key() StockKey {
	return StockKey{StoreID: e.StoreID, ProductID: e.ProductID}
}
