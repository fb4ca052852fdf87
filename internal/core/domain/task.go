package domain

import "time"

// StockTask is one deferred stock mutation. It is serialized onto the queue.
type StockTask struct {
	ID         string    `json:"id"`
	StoreID    int64     `json:"store_id"`
	ProductID  int64     `json:"product_id"`
	Delta      int64     `json:"quantity_delta"`
	Actor      string    `json:"actor"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t StockTask) Key() StockKey {
	return StockKey{StoreID: t.StoreID, ProductID: t.ProductID}
}

type DeadLetterReason string

const (
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
	ReasonNegativeStock    DeadLetterReason = "negative_stock"
)

// DeadLetter preserves a task that will not be applied without operator action.
type DeadLetter struct {
	Task     StockTask        `json:"task"`
	Reason   DeadLetterReason `json:"reason"`
	Error    string           `json:"error"`
	FailedAt time.Time        `json:"failed_at"`
}

type TaskOutcome int

const (
	OutcomeApplied TaskOutcome = iota + 1
	OutcomeDuplicate
	OutcomeDeadLettered
)

func (o TaskOutcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}
