package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var ErrNegativeStock = errors.New("quantity would drop below zero")

// StockKey identifies one inventory row and one fan-out topic.
type StockKey struct {
	StoreID   int64
	ProductID int64
}

func (k StockKey) String() string {
	return fmt.Sprintf("%d:%d", k.StoreID, k.ProductID)
}

type InventoryRecord struct {
	ID          int64
	StoreID     int64
	ProductID   int64
	Quantity    int64
	LastUpdated time.Time
}

func (r InventoryRecord) Key() StockKey {
	return StockKey{StoreID: r.StoreID, ProductID: r.ProductID}
}

// Mutation is the committed result of applying one task's delta.
type Mutation struct {
	TaskID      string
	Record      InventoryRecord
	OldQuantity int64
	NewQuantity int64
	// Duplicate is set when the task id had already been applied; nothing changed.
	Duplicate bool
}

// StockFilter narrows a store listing. Zero values mean "no filter".
type StockFilter struct {
	ProductID   int64
	UpdatedFrom time.Time
	UpdatedTo   time.Time
}

// CacheKey encodes every field that changes the listing result.
func (f StockFilter) CacheKey(storeID int64) string {
	q := url.Values{}
	if f.ProductID > 0 {
		q.Set("product_id", strconv.FormatInt(f.ProductID, 10))
	}
	if !f.UpdatedFrom.IsZero() {
		q.Set("updated_from", f.UpdatedFrom.UTC().Format(time.RFC3339Nano))
	}
	if !f.UpdatedTo.IsZero() {
		q.Set("updated_to", f.UpdatedTo.UTC().Format(time.RFC3339Nano))
	}
	return "stock:" + strconv.FormatInt(storeID, 10) + "?" + q.Encode()
}

type NegativeStockPolicy string

const (
	NegativeStockReject NegativeStockPolicy = "reject"
	NegativeStockClamp  NegativeStockPolicy = "clamp"
	NegativeStockAllow  NegativeStockPolicy = "allow"
)

func ParseNegativeStockPolicy(s string) (NegativeStockPolicy, error) {
	switch p := NegativeStockPolicy(s); p {
	case NegativeStockReject, NegativeStockClamp, NegativeStockAllow:
		return p, nil
	case "":
		return NegativeStockReject, nil
	default:
		return "", fmt.Errorf("unknown negative stock policy %q", s)
	}
}

// Apply returns the quantity that results from adding delta to old under the policy.
func (p NegativeStockPolicy) Apply(old, delta int64) (int64, error) {
	next := old + delta
	if next >= 0 {
		return next, nil
	}
	switch p {
	case NegativeStockAllow:
		return next, nil
	case NegativeStockClamp:
		return 0, nil
	default:
		return old, fmt.Errorf("%w: %d%+d", ErrNegativeStock, old, delta)
	}
}
