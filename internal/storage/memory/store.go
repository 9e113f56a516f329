// Package memory is an in-process Store with the same contracts as the
// Postgres store. InTx serialises on one mutex and rolls back by snapshot.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

type txKey struct{}

type state struct {
	jobs     map[string]domain.Job
	domains  map[string]domain.Domain
	accounts map[string]domain.WalletAccount
	txns     []domain.WalletTransaction
	contacts map[string]domain.Contact
}

func (s state) clone() state {
	c := state{
		jobs:     make(map[string]domain.Job, len(s.jobs)),
		domains:  make(map[string]domain.Domain, len(s.domains)),
		accounts: make(map[string]domain.WalletAccount, len(s.accounts)),
		txns:     append([]domain.WalletTransaction(nil), s.txns...),
		contacts: make(map[string]domain.Contact, len(s.contacts)),
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.domains {
		c.domains[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.contacts {
		c.contacts[k] = v
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st state
}

func New() *Store {
	return &Store{st: state{
		jobs:     make(map[string]domain.Job),
		domains:  make(map[string]domain.Domain),
		accounts: make(map[string]domain.WalletAccount),
		contacts: make(map[string]domain.Contact),
	}}
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

func (s *Store) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx runs fn with exclusive access; any error restores the prior state.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snap
		return err
	}
	return nil
}

// Jobs

func (s *Store) InsertJob(ctx context.Context, job *domain.Job) error {
	defer s.lock(ctx)()
	for _, j := range s.st.jobs {
		if j.Fingerprint == job.Fingerprint && j.State.InFlight() {
			return &domain.DuplicateJobError{Fingerprint: job.Fingerprint, ExistingJobID: j.ID}
		}
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.st.jobs[job.ID] = *job
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return &j, nil
}

func (s *Store) LatestJobByFingerprint(ctx context.Context, fingerprint string) (*domain.Job, error) {
	defer s.lock(ctx)()
	var latest *domain.Job
	for _, j := range s.st.jobs {
		if j.Fingerprint != fingerprint {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			j := j
			latest = &j
		}
	}
	if latest == nil {
		return nil, errors.Wrapf(domain.ErrNotFound, "fingerprint %s", fingerprint)
	}
	return latest, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now, leaseUntil time.Time) (*domain.Job, error) {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if !j.Claimable(now) {
		return nil, errors.Wrapf(domain.ErrInvalidState, "job %s is %s", id, j.State)
	}
	j.State = domain.Active
	j.LeaseUntil = &leaseUntil
	j.UpdatedAt = now
	s.st.jobs[id] = j
	return &j, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, t domain.Transition, now time.Time) error {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if j.State != domain.Active {
		return errors.Wrapf(domain.ErrInvalidState, "job %s is %s", id, j.State)
	}
	if t.Attempts < j.Attempts || t.Attempts > j.MaxAttempts {
		return errors.Wrapf(domain.ErrInvalidState, "job %s attempts %d -> %d", id, j.Attempts, t.Attempts)
	}
	j.State = t.State
	j.Attempts = t.Attempts
	j.Polls = t.Polls
	j.NextRunAt = t.NextRunAt
	j.Result = t.Result
	j.Error = t.Error
	j.LeaseUntil = nil
	j.UpdatedAt = now
	s.st.jobs[id] = j
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, id string, res domain.JobResult, now time.Time) error {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	if j.State != domain.Active {
		return errors.Wrapf(domain.ErrInvalidState, "job %s is %s", id, j.State)
	}
	j.Result = res
	j.UpdatedAt = now
	s.st.jobs[id] = j
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (*domain.Job, error) {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	switch {
	case j.State.Terminal():
		return nil, errors.Wrapf(domain.ErrInvalidState, "job %s is %s", id, j.State)
	case j.State == domain.Active:
		j.CancelRequested = true
	default:
		j.CancelRequested = true
		j.State = domain.Cancelled
		j.Error = domain.ErrCancelled.Error()
	}
	j.UpdatedAt = now
	s.st.jobs[id] = j
	return &j, nil
}

func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	defer s.lock(ctx)()
	j, ok := s.st.jobs[id]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "job %s", id)
	}
	return j.CancelRequested, nil
}

func (s *Store) selectJobs(limit int, keep func(domain.Job) bool) []*domain.Job {
	var out []*domain.Job
	for _, j := range s.st.jobs {
		if keep(j) {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) DueJobs(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	defer s.lock(ctx)()
	return s.selectJobs(limit, func(j domain.Job) bool {
		return (j.State == domain.Queued || j.State == domain.DelayedRetry) && !j.NextRunAt.After(before)
	}), nil
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	defer s.lock(ctx)()
	return s.selectJobs(limit, func(j domain.Job) bool {
		return j.State == domain.Active && j.LeaseUntil != nil && j.LeaseUntil.Before(now)
	}), nil
}

// Domains

func (s *Store) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	defer s.lock(ctx)()
	d, ok := s.st.domains[name]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "domain %s", name)
	}
	return &d, nil
}

func (s *Store) SaveDomain(ctx context.Context, d *domain.Domain) error {
	defer s.lock(ctx)()
	if prior, ok := s.st.domains[d.Name]; ok {
		if prior.OwnerID != d.OwnerID {
			return errors.Wrapf(domain.ErrConflict, "domain %s belongs to another owner", d.Name)
		}
		d.ID = prior.ID
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	s.st.domains[d.Name] = *d
	return nil
}

func (s *Store) DomainsExpiring(ctx context.Context, before time.Time, limit int) ([]*domain.Domain, error) {
	defer s.lock(ctx)()
	var out []*domain.Domain
	for _, d := range s.st.domains {
		if d.Status == domain.DomainActive && d.ExpiresAt != nil && d.ExpiresAt.Before(before) {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ExpiresAt.Before(*out[b].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Wallet

func (s *Store) LockAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error) {
	return s.GetAccount(ctx, ownerID)
}

func (s *Store) GetAccount(ctx context.Context, ownerID string) (*domain.WalletAccount, error) {
	defer s.lock(ctx)()
	a, ok := s.st.accounts[ownerID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "wallet %s", ownerID)
	}
	return &a, nil
}

func (s *Store) EnsureAccount(ctx context.Context, ownerID, currency string, now time.Time) (*domain.WalletAccount, error) {
	defer s.lock(ctx)()
	a, ok := s.st.accounts[ownerID]
	if !ok {
		a = domain.WalletAccount{OwnerID: ownerID, Currency: currency, UpdatedAt: now}
		s.st.accounts[ownerID] = a
	}
	return &a, nil
}

func (s *Store) UpdateBalance(ctx context.Context, ownerID string, balance domain.Money, now time.Time) error {
	defer s.lock(ctx)()
	a, ok := s.st.accounts[ownerID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", ownerID)
	}
	if balance < 0 {
		return errors.Wrapf(domain.ErrInsufficientFunds, "wallet %s", ownerID)
	}
	a.Balance = balance
	a.UpdatedAt = now
	s.st.accounts[ownerID] = a
	return nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *domain.WalletTransaction) error {
	defer s.lock(ctx)()
	if tx.RelatedPaymentID != "" {
		for _, t := range s.st.txns {
			if t.RelatedPaymentID == tx.RelatedPaymentID {
				return errors.Wrapf(domain.ErrConflict, "payment %s already applied", tx.RelatedPaymentID)
			}
		}
	}
	s.st.txns = append(s.st.txns, *tx)
	return nil
}

func (s *Store) TransactionByPaymentID(ctx context.Context, paymentID string) (*domain.WalletTransaction, error) {
	defer s.lock(ctx)()
	for _, t := range s.st.txns {
		if t.RelatedPaymentID == paymentID {
			t := t
			return &t, nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "payment %s", paymentID)
}

func (s *Store) Transactions(ctx context.Context, ownerID string) ([]domain.WalletTransaction, error) {
	defer s.lock(ctx)()
	var out []domain.WalletTransaction
	for _, t := range s.st.txns {
		if t.OwnerID == ownerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) SaveOwnerContact(ctx context.Context, ownerID string, c domain.Contact, _ time.Time) error {
	defer s.lock(ctx)()
	s.st.contacts[ownerID] = c
	return nil
}

func (s *Store) OwnerContact(ctx context.Context, ownerID string) (*domain.Contact, error) {
	defer s.lock(ctx)()
	c, ok := s.st.contacts[ownerID]
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "contact of %s", ownerID)
	}
	return &c, nil
}
