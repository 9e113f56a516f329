package domain

import "time"

type DomainStatus string

const (
	DomainPending         DomainStatus = "pending"
	DomainActive          DomainStatus = "active"
	DomainExpired         DomainStatus = "expired"
	DomainSuspended       DomainStatus = "suspended"
	DomainTransferPending DomainStatus = "transfer_pending"
)

type TransferState string

const (
	TransferNone                 TransferState = ""
	TransferInitiated            TransferState = "initiated"
	TransferAwaitingConfirmation TransferState = "awaiting_confirmation"
	TransferConfirmed            TransferState = "confirmed"
	TransferRejected             TransferState = "rejected"
)

// Domain is the registrar-side record of a name held for an owner.
// Status and ExpiresAt only move when a job of the matching type commits.
type Domain struct {
	ID               string
	Name             string
	OwnerID          string
	Status           DomainStatus
	RegisteredAt     *time.Time
	ExpiresAt        *time.Time
	RegistrarOrderID string
	TransferState    TransferState
	TransferID       string
	UpdatedAt        time.Time
}

// AddYears extends from the later of now and the current expiry.
func (d *Domain) AddYears(now time.Time, years int) time.Time {
	from := now
	if d.ExpiresAt != nil && d.ExpiresAt.After(now) {
		from = *d.ExpiresAt
	}
	return from.AddDate(years, 0, 0)
}
