package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

func scanAccount(row pgx.Row) (*domain.WalletAccount, error) {
	var a domain.WalletAccount
	if err := row.Scan(&a.OwnerID, &a.Balance, &a.Currency, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// LockAccount takes the row lock that serialises every balance change of an owner.
func (s *Store) LockAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, `select owner_id, balance, currency, updated_at
from wallet_accounts where owner_id = $1 for update`, ownerID))
	if err != nil {
		return nil, notFound(err, "wallet %s", ownerID)
	}
	return a, nil
}

func (s *Store) EnsureAccount(ctx context.Context, ownerID, currency string, now time.Time) (*domain.WalletAccount, error) {
	_, err := s.q(ctx).Exec(ctx, `insert into wallet_accounts(owner_id, balance, currency, updated_at)
values ($1, 0, $2, $3) on conflict (owner_id) do nothing`, ownerID, currency, now)
	if err != nil {
		return nil, errors.Wrapf(err, "create wallet %s", ownerID)
	}
	return s.LockAccount(ctx, ownerID)
}

func (s *Store) GetAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error) {
	a, err := scanAccount(s.q(ctx).QueryRow(ctx, `select owner_id, balance, currency, updated_at
from wallet_accounts where owner_id = $1`, ownerID))
	if err != nil {
		return nil, notFound(err, "wallet %s", ownerID)
	}
	return a, nil
}

func (s *Store) UpdateBalance(ctx context.Context, ownerID string, balance domain.Money, now time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, `update wallet_accounts set balance = $2, updated_at = $3
where owner_id = $1`, ownerID, balance, now)
	if pgCode(err) == codeCheckViolation {
		return errors.Wrapf(domain.ErrInsufficientFunds, "wallet %s", ownerID)
	}
	if err != nil {
		return errors.Wrapf(err, "update wallet %s", ownerID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", ownerID)
	}
	return nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *domain.WalletTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	var paymentID *string
	if tx.RelatedPaymentID != "" {
		paymentID = &tx.RelatedPaymentID
	}
	_, err := s.q(ctx).Exec(ctx, `insert into wallet_transactions(
id, owner_id, type, amount, balance_after, related_job_id, related_payment_id, reason, created_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tx.ID, tx.OwnerID, tx.Type, tx.Amount, tx.BalanceAfter, tx.RelatedJobID, paymentID, tx.Reason, tx.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return errors.Wrapf(domain.ErrConflict, "payment %s already applied", tx.RelatedPaymentID)
	}
	return errors.Wrap(err, "insert wallet transaction")
}

const txColumns = `id, owner_id, type, amount, balance_after, related_job_id,
coalesce(related_payment_id, ''), reason, created_at`

func scanTransaction(row pgx.Row) (*domain.WalletTransaction, error) {
	var t domain.WalletTransaction
	err := row.Scan(&t.ID, &t.OwnerID, &t.Type, &t.Amount, &t.BalanceAfter, &t.RelatedJobID,
		&t.RelatedPaymentID, &t.Reason, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) TransactionByPaymentID(ctx context.Context, paymentID string) (*domain.WalletTransaction, error) {
	t, err := scanTransaction(s.q(ctx).QueryRow(ctx, `select `+txColumns+` from wallet_transactions
where related_payment_id = $1`, paymentID))
	if err != nil {
		return nil, notFound(err, "payment %s", paymentID)
	}
	return t, nil
}

func (s *Store) Transactions(ctx context.Context, ownerID string) ([]domain.WalletTransaction, error) {
	rows, err := s.q(ctx).Query(ctx, `select `+txColumns+` from wallet_transactions
where owner_id = $1 order by created_at, id`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list wallet transactions")
	}
	defer rows.Close()
	var out []domain.WalletTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
