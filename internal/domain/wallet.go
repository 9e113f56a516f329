package domain

import (
	"fmt"
	"time"
)

// Money is an amount in minor currency units (paise for INR).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

type WalletAccount struct {
	OwnerID   string    `json:"owner_id"`
	Balance   Money     `json:"balance"`
	Currency  string    `json:"currency"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// WalletTransaction is an immutable ledger entry. Amount is always positive.
type WalletTransaction struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	Type             TxType    `json:"type"`
	Amount           Money     `json:"amount"`
	BalanceAfter     Money     `json:"balance_after"`
	RelatedJobID     string    `json:"related_job_id,omitempty"`
	RelatedPaymentID string    `json:"related_payment_id,omitempty"`
	Reason           string    `json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
}
