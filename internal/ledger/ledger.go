// Package ledger is the only writer of wallet balances. Every balance change
// is paired with an immutable WalletTransaction in the same transaction.
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/domainq/internal/domain"
	"github.com/SirClappington/domainq/internal/logging"
	"github.com/SirClappington/domainq/internal/metrics"
)

// Store is the persistence the ledger needs. InTx joins an enclosing
// transaction carried by ctx when there is one.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockAccount returns the account row locked for update, or domain.ErrNotFound.
	LockAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error)
	// EnsureAccount creates the account if missing and returns it locked.
	EnsureAccount(ctx context.Context, ownerID, currency string, now time.Time) (*domain.WalletAccount, error)
	GetAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error)
	UpdateBalance(ctx context.Context, ownerID string, balance domain.Money, now time.Time) error
	// InsertTransaction returns domain.ErrConflict when the payment id was already applied.
	InsertTransaction(ctx context.Context, tx *domain.WalletTransaction) error
	TransactionByPaymentID(ctx context.Context, paymentID string) (*domain.WalletTransaction, error)
	Transactions(ctx context.Context, ownerID string) ([]domain.WalletTransaction, error)
}

// Reason explains a mutation and links it to the job or payment behind it.
// A non-empty Currency must match the wallet's.
type Reason struct {
	Description string
	JobID       string
	PaymentID   string
	Currency    string
}

// Payment is a verified payment-gateway notification.
type Payment struct {
	PaymentID string       `json:"payment_id"`
	OwnerID   string       `json:"owner_id"`
	Amount    domain.Money `json:"amount"`
	Currency  string       `json:"currency"`
}

type Ledger struct {
	store    Store
	currency string
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func New(store Store, defaultCurrency string, m *metrics.Metrics, log *zap.Logger) *Ledger {
	return &Ledger{
		store:    store,
		currency: strings.ToUpper(defaultCurrency),
		now:      time.Now,
		metrics:  m,
		log:      logging.OrNop(log),
	}
}

// WithClock swaps the clock, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func validate(ownerID string, amount domain.Money) error {
	if strings.TrimSpace(ownerID) == "" {
		return &domain.ValidationError{Field: "owner_id", Reason: "required"}
	}
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	return nil
}

func checkCurrency(acct *domain.WalletAccount, currency string) error {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == acct.Currency {
		return nil
	}
	return &domain.ValidationError{Field: "currency", Reason: "wallet is " + acct.Currency + ", charge is " + currency}
}

// Debit removes amount from the owner's balance or fails with ErrInsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, ownerID string, amount domain.Money, reason Reason) (domain.WalletTransaction, error) {
	if err := validate(ownerID, amount); err != nil {
		return domain.WalletTransaction{}, err
	}
	var out domain.WalletTransaction
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		acct, err := l.store.LockAccount(ctx, ownerID)
		if errors.Is(err, domain.ErrNotFound) {
			return errors.Wrapf(domain.ErrInsufficientFunds, "owner %s has no wallet", ownerID)
		}
		if err != nil {
			return err
		}
		if err := checkCurrency(acct, reason.Currency); err != nil {
			return err
		}
		if acct.Balance < amount {
			return errors.Wrapf(domain.ErrInsufficientFunds, "balance %s below %s", acct.Balance, amount)
		}
		out, err = l.apply(ctx, acct, domain.TxDebit, amount, reason)
		return err
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	return out, nil
}

// Credit adds amount to the owner's balance, opening the wallet if needed.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount domain.Money, reason Reason) (domain.WalletTransaction, error) {
	if err := validate(ownerID, amount); err != nil {
		return domain.WalletTransaction{}, err
	}
	var out domain.WalletTransaction
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		acct, err := l.store.EnsureAccount(ctx, ownerID, l.currency, l.now())
		if err != nil {
			return err
		}
		if err := checkCurrency(acct, reason.Currency); err != nil {
			return err
		}
		out, err = l.apply(ctx, acct, domain.TxCredit, amount, reason)
		return err
	})
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	return out, nil
}

// CreditPayment applies a verified payment exactly once per payment id.
// Replays return the originally recorded transaction.
func (l *Ledger) CreditPayment(ctx context.Context, p Payment) (domain.WalletTransaction, error) {
	if strings.TrimSpace(p.PaymentID) == "" {
		return domain.WalletTransaction{}, &domain.ValidationError{Field: "payment_id", Reason: "required"}
	}
	if err := validate(p.OwnerID, p.Amount); err != nil {
		return domain.WalletTransaction{}, err
	}
	currency := strings.ToUpper(p.Currency)
	if currency == "" {
		currency = l.currency
	}

	var out domain.WalletTransaction
	err := l.store.InTx(ctx, func(ctx context.Context) error {
		prior, err := l.store.TransactionByPaymentID(ctx, p.PaymentID)
		if err == nil {
			out = *prior
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		acct, err := l.store.EnsureAccount(ctx, p.OwnerID, currency, l.now())
		if err != nil {
			return err
		}
		if acct.Currency != currency {
			return &domain.ValidationError{Field: "currency", Reason: "wallet is " + acct.Currency + ", payment is " + currency}
		}
		out, err = l.apply(ctx, acct, domain.TxCredit, p.Amount, Reason{
			Description: "wallet top-up",
			PaymentID:   p.PaymentID,
		})
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		// a concurrent delivery of the same payment won the insert
		prior, lookupErr := l.store.TransactionByPaymentID(ctx, p.PaymentID)
		if lookupErr != nil {
			return domain.WalletTransaction{}, lookupErr
		}
		return *prior, nil
	}
	if err != nil {
		return domain.WalletTransaction{}, err
	}
	return out, nil
}

func (l *Ledger) apply(ctx context.Context, acct *domain.WalletAccount, kind domain.TxType, amount domain.Money, reason Reason) (domain.WalletTransaction, error) {
	now := l.now()
	balance := acct.Balance + amount
	if kind == domain.TxDebit {
		balance = acct.Balance - amount
	}
	if balance < 0 {
		return domain.WalletTransaction{}, domain.ErrInsufficientFunds
	}
	tx := domain.WalletTransaction{
		ID:               uuid.NewString(),
		OwnerID:          acct.OwnerID,
		Type:             kind,
		Amount:           amount,
		BalanceAfter:     balance,
		RelatedJobID:     reason.JobID,
		RelatedPaymentID: reason.PaymentID,
		Reason:           reason.Description,
		CreatedAt:        now,
	}
	if err := l.store.InsertTransaction(ctx, &tx); err != nil {
		return domain.WalletTransaction{}, err
	}
	if err := l.store.UpdateBalance(ctx, acct.OwnerID, balance, now); err != nil {
		return domain.WalletTransaction{}, err
	}
	acct.Balance = balance
	l.metrics.Ledger(string(kind))
	l.log.Info("wallet transaction",
		zap.String("owner_id", acct.OwnerID),
		zap.String("type", string(kind)),
		zap.Int64("amount", int64(amount)),
		zap.Int64("balance_after", int64(balance)),
		zap.String("job_id", reason.JobID),
		zap.String("payment_id", reason.PaymentID),
	)
	return tx, nil
}

func (l *Ledger) Balance(ctx context.Context, ownerID string) (domain.WalletAccount, error) {
	acct, err := l.store.GetAccount(ctx, ownerID)
	if err != nil {
		return domain.WalletAccount{}, err
	}
	return *acct, nil
}

func (l *Ledger) Transactions(ctx context.Context, ownerID string) ([]domain.WalletTransaction, error) {
	return l.store.Transactions(ctx, ownerID)
}
