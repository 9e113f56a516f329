package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

// SaveOwnerContact replaces the owner's contact.
func (s *Store) SaveOwnerContact(ctx context.Context, ownerID string, c domain.Contact, now time.Time) error {
	_, err := s.q(ctx).Exec(ctx, `insert into owner_contacts(owner_id, name, email, phone, country, updated_at)
values ($1,$2,$3,$4,$5,$6)
on conflict (owner_id) do update set
  name = excluded.name,
  email = excluded.email,
  phone = excluded.phone,
  country = excluded.country,
  updated_at = excluded.updated_at`,
		ownerID, c.Name, c.Email, c.Phone, c.Country, now)
	return errors.Wrapf(err, "save contact of %s", ownerID)
}

func (s *Store) OwnerContact(ctx context.Context, ownerID string) (*domain.Contact, error) {
	var c domain.Contact
	err := s.q(ctx).QueryRow(ctx, `select name, email, phone, country from owner_contacts where owner_id = $1`, ownerID).
		Scan(&c.Name, &c.Email, &c.Phone, &c.Country)
	if err != nil {
		return nil, notFound(err, "contact of %s", ownerID)
	}
	return &c, nil
}
