package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DispatchStatus is the engine-owned status of a transaction. Transitions
// are driven exclusively by the dispatch engine while the transaction is
// dispatching; the payment workflow only observes them.
type DispatchStatus string

const (
	StatusUndispatched   DispatchStatus = "undispatched"
	StatusDispatching    DispatchStatus = "dispatching"
	StatusDispatched     DispatchStatus = "dispatched"
	StatusDispatchFailed DispatchStatus = "dispatch_failed"
)

// Transaction is the dispatch engine's view of a payment awaiting agent
// assignment. The ledger-side representation is owned by the payment
// workflow and referenced by ID only.
type Transaction struct {
	ID            int64                  `json:"-"`
	TransactionID string                 `json:"transaction_id"`
	Reference     string                 `json:"reference,omitempty"`
	Currency      string                 `json:"currency"`
	Country       string                 `json:"country"`
	Method        string                 `json:"method"`
	Amount        decimal.Decimal        `json:"amount"`
	Status        DispatchStatus         `json:"status"`
	FailureCode   FailureCode            `json:"failure_code,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	MetaData      map[string]interface{} `json:"meta_data,omitempty"`
}

func (transaction *Transaction) ToJSON() ([]byte, error) {
	return json.Marshal(transaction)
}

// Terminal reports whether dispatch for this transaction has concluded.
func (transaction *Transaction) Terminal() bool {
	return transaction.Status == StatusDispatched || transaction.Status == StatusDispatchFailed
}
