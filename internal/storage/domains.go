package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

const domainColumns = `id, name, owner_id, status, registered_at, expires_at,
registrar_order_id, transfer_state, transfer_id, updated_at`

func scanDomain(row pgx.Row) (*domain.Domain, error) {
	var d domain.Domain
	err := row.Scan(&d.ID, &d.Name, &d.OwnerID, &d.Status, &d.RegisteredAt, &d.ExpiresAt,
		&d.RegistrarOrderID, &d.TransferState, &d.TransferID, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	d, err := scanDomain(s.q(ctx).QueryRow(ctx, `select `+domainColumns+` from domains where name = $1`, name))
	if err != nil {
		return nil, notFound(err, "domain %s", name)
	}
	return d, nil
}

// SaveDomain upserts by name. A row held by another owner is never taken over.
func (s *Store) SaveDomain(ctx context.Context, d *domain.Domain) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	err := s.q(ctx).QueryRow(ctx, `insert into domains(`+domainColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (name) do update set
  status = excluded.status,
  registered_at = excluded.registered_at,
  expires_at = excluded.expires_at,
  registrar_order_id = excluded.registrar_order_id,
  transfer_state = excluded.transfer_state,
  transfer_id = excluded.transfer_id,
  updated_at = excluded.updated_at
where domains.owner_id = excluded.owner_id
returning id`,
		d.ID, d.Name, d.OwnerID, d.Status, d.RegisteredAt, d.ExpiresAt,
		d.RegistrarOrderID, d.TransferState, d.TransferID, d.UpdatedAt,
	).Scan(&d.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrapf(domain.ErrConflict, "domain %s belongs to another owner", d.Name)
	}
	return errors.Wrapf(err, "save domain %s", d.Name)
}

func (s *Store) DomainsExpiring(ctx context.Context, before time.Time, limit int) ([]*domain.Domain, error) {
	rows, err := s.q(ctx).Query(ctx, `select `+domainColumns+` from domains
where status = 'active' and expires_at < $1
order by expires_at limit $2`, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list expiring domains")
	}
	defer rows.Close()
	var out []*domain.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
