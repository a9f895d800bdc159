package domain

import (
	"time"
)

// TransactionType constrains the income/expense direction of a transaction.
const (
	TransactionTypeIncome  = "income"
	TransactionTypeExpense = "expense"
)

// Transaction is a transaction read from the transaction source.
// The engine never creates these itself; they arrive via ingestion and
// are only mutated by category assignment.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Account the transaction belongs to
	AccountID   string `json:"accountId"`
	AccountType string `json:"accountType"`

	// Matchable text fields
	Merchant    string `json:"merchant"`
	Description string `json:"description,omitempty"`

	// Direction: "income" or "expense"
	Type string `json:"type"`

	// Amount in minor currency units (cents). Sign follows direction;
	// predicates evaluate the absolute value.
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`

	// Current category assignment, empty if uncategorized
	CategoryID string `json:"categoryId,omitempty"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata (e.g. external classifier confidence)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TransactionRequest is the API request payload for transaction ingestion.
type TransactionRequest struct {
	AccountID   string                 `json:"accountId"`
	AccountType string                 `json:"accountType"`
	Merchant    string                 `json:"merchant"`
	Description string                 `json:"description,omitempty"`
	Type        string                 `json:"type"`
	AmountCents int64                  `json:"amountCents"`
	Currency    string                 `json:"currency"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID, txID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:          txID,
		TenantID:    tenantID,
		AccountID:   r.AccountID,
		AccountType: r.AccountType,
		Merchant:    r.Merchant,
		Description: r.Description,
		Type:        r.Type,
		AmountCents: r.AmountCents,
		Currency:    r.Currency,
		Timestamp:   ts,
		CreatedAt:   now,
		Metadata:    r.Metadata,
	}
}
