// Package domain contains the credit ledger models and service contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionReason classifies a ledger entry.
type TransactionReason string

const (
	// ReasonReserve debits credits before a module execution begins.
	ReasonReserve TransactionReason = "reserve"
	// ReasonRefund compensates a reservation whose execution never completed.
	ReasonRefund TransactionReason = "refund"
	// ReasonGrant credits an account outside of any execution (signup, promo, top-up).
	ReasonGrant TransactionReason = "grant"
)

// CreditAccount holds a user's spendable balance. Mutated only through the
// ledger service; balance never goes negative after a committed operation.
type CreditAccount struct {
	UserID    snowflake.ID `gorm:"primaryKey"`
	Balance   int64        `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction is an append-only ledger entry. Amount is signed:
// negative for reservations, positive for refunds and grants. The sum of a
// user's transactions equals the account balance.
//
// CorrelationID ties a refund back to its reservation; reserve and grant rows
// carry their own id there. The partial unique index on refund rows enforces
// at most one refund per reservation.
type CreditTransaction struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	UserID        snowflake.ID      `gorm:"not null;index"`
	Amount        int64             `gorm:"not null"`
	Reason        TransactionReason `gorm:"type:text;not null"`
	CorrelationID snowflake.ID      `gorm:"not null;uniqueIndex:ux_credit_transactions_refund_once,where:reason = 'refund'"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
