package registrar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/domainq/internal/domain"
)

// Sandbox is an in-memory registrar for local runs and tests. Failures can be
// scripted per operation with FailNext.
type Sandbox struct {
	mu         sync.Mutex
	seq        int
	now        func() time.Time
	taken      map[string]bool
	unmanaged  map[string]bool
	orders     map[string]string
	cancelled  map[string]bool
	renewals   map[string]Order
	placed     map[string]Order
	initiated  map[string]string
	transfers  map[string]*sandboxTransfer
	failures   map[string][]error
	calls      map[string]int
	zones      map[string][]domain.DNSChange
	pollsToEnd int
}

type sandboxTransfer struct {
	Transfer
	name  string
	polls int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		now:        time.Now,
		taken:      make(map[string]bool),
		unmanaged:  make(map[string]bool),
		orders:     make(map[string]string),
		cancelled:  make(map[string]bool),
		renewals:   make(map[string]Order),
		placed:     make(map[string]Order),
		initiated:  make(map[string]string),
		transfers:  make(map[string]*sandboxTransfer),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
		zones:      make(map[string][]domain.DNSChange),
		pollsToEnd: 1,
	}
}

func (s *Sandbox) WithClock(now func() time.Time) *Sandbox {
	s.now = now
	return s
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (s *Sandbox) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

func (s *Sandbox) SetTaken(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taken[name] = true
}

func (s *Sandbox) SetUnmanaged(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmanaged[name] = true
}

// CompleteTransfersAfter sets how many status polls a transfer stays pending.
func (s *Sandbox) CompleteTransfersAfter(polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollsToEnd = polls
}

// RejectTransfer forces the next status poll of transferID to report rejection.
func (s *Sandbox) RejectTransfer(transferID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transfers[transferID]; ok {
		t.Status = TransferRejected
		t.Reason = reason
	}
}

func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) Cancelled(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[orderID]
}

func (s *Sandbox) Zone(name string) []domain.DNSChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DNSChange(nil), s.zones[name]...)
}

// begin counts the call and pops a scripted failure. Caller holds s.mu.
func (s *Sandbox) begin(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := s.failures[op]; len(q) > 0 {
		s.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Sandbox) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%06d", prefix, s.seq)
}

func (s *Sandbox) CheckAvailability(ctx context.Context, name string) (Availability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "check_availability"); err != nil {
		return Availability{}, err
	}
	return Availability{Name: name, Available: !s.taken[name], Price: 80000}, nil
}

func (s *Sandbox) Register(ctx context.Context, name string, termYears int, _ domain.Contact, idemKey string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "register"); err != nil {
		return Order{}, err
	}
	if o, ok := s.placed[idemKey]; ok && idemKey != "" {
		return o, nil
	}
	if s.taken[name] {
		return Order{}, Terminal("register", CodeDomainTaken, errors.Errorf("%s is registered elsewhere", name))
	}
	s.taken[name] = true
	id := s.nextID("ord")
	s.orders[id] = name
	o := Order{OrderID: id, ExpiresAt: s.now().AddDate(termYears, 0, 0)}
	if idemKey != "" {
		s.placed[idemKey] = o
	}
	return o, nil
}

func (s *Sandbox) Renew(ctx context.Context, name string, termYears int, cycle string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "renew"); err != nil {
		return Order{}, err
	}
	key := name + "|" + cycle
	if o, ok := s.renewals[key]; ok {
		return o, nil
	}
	id := s.nextID("ren")
	o := Order{OrderID: id, ExpiresAt: s.now().AddDate(termYears, 0, 0)}
	s.orders[id] = name
	s.renewals[key] = o
	return o, nil
}

func (s *Sandbox) UpdateDNS(ctx context.Context, name string, changes []domain.DNSChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "update_dns"); err != nil {
		return err
	}
	if s.unmanaged[name] {
		return Terminal("update_dns", CodeZoneUnmanaged, errors.Errorf("zone %s is not managed here", name))
	}
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return Terminal("update_dns", CodeInvalidRecord, err)
		}
	}
	s.zones[name] = append(s.zones[name], changes...)
	return nil
}

func (s *Sandbox) InitiateTransfer(ctx context.Context, name, authCode, idemKey string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "initiate_transfer"); err != nil {
		return Transfer{}, err
	}
	if id, ok := s.initiated[idemKey]; ok && idemKey != "" {
		return s.transfers[id].Transfer, nil
	}
	if authCode == "" || authCode == "invalid" {
		return Transfer{}, Terminal("initiate_transfer", CodeInvalidAuthCode, errors.New("auth code rejected"))
	}
	t := &sandboxTransfer{
		Transfer: Transfer{TransferID: s.nextID("xfr"), Status: TransferPending},
		name:     name,
	}
	s.transfers[t.TransferID] = t
	s.orders[t.TransferID] = name
	if idemKey != "" {
		s.initiated[idemKey] = t.TransferID
	}
	return t.Transfer, nil
}

func (s *Sandbox) TransferStatus(ctx context.Context, _ string, transferID string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "transfer_status"); err != nil {
		return Transfer{}, err
	}
	t, ok := s.transfers[transferID]
	if !ok {
		return Transfer{}, Terminal("transfer_status", CodeNotFound, errors.Errorf("transfer %s", transferID))
	}
	if t.Status == TransferPending {
		t.polls++
		if t.polls >= s.pollsToEnd {
			t.Status = TransferCompleted
			t.ExpiresAt = s.now().AddDate(1, 0, 0)
			s.taken[t.name] = true
		}
	}
	return t.Transfer, nil
}

func (s *Sandbox) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "cancel_order"); err != nil {
		return err
	}
	name, ok := s.orders[orderID]
	if !ok {
		return Terminal("cancel_order", CodeNotFound, errors.Errorf("order %s", orderID))
	}
	s.cancelled[orderID] = true
	if strings.HasPrefix(orderID, "ord-") {
		delete(s.taken, name)
	}
	return nil
}
