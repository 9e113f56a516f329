// Package registrar is the boundary to the upstream domain registrar API.
package registrar

import (
	"context"
	"time"

	"github.com/SirClappington/domainq/internal/domain"
)

type Availability struct {
	Name      string       `json:"name"`
	Available bool         `json:"available"`
	Premium   bool         `json:"premium,omitempty"`
	Price     domain.Money `json:"price,omitempty"`
}

type Order struct {
	OrderID   string    `json:"order_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferRejected  TransferStatus = "rejected"
)

type Transfer struct {
	TransferID string         `json:"transfer_id"`
	Status     TransferStatus `json:"status"`
	ExpiresAt  time.Time      `json:"expires_at,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Client is what the workers need from the registrar. Implementations return
// *Error so callers can tell retryable failures from business rejections.
type Client interface {
	CheckAvailability(ctx context.Context, name string) (Availability, error)
	// Register and InitiateTransfer replay the first result for a repeated
	// idemKey, so a retry after a lost reply never places a second order.
	Register(ctx context.Context, name string, termYears int, contact domain.Contact, idemKey string) (Order, error)
	// Renew is idempotent per (name, cycle): repeating it returns the same order.
	Renew(ctx context.Context, name string, termYears int, cycle string) (Order, error)
	UpdateDNS(ctx context.Context, name string, changes []domain.DNSChange) error
	InitiateTransfer(ctx context.Context, name, authCode, idemKey string) (Transfer, error)
	TransferStatus(ctx context.Context, name, transferID string) (Transfer, error)
	// CancelOrder voids an order or transfer and refunds it upstream.
	CancelOrder(ctx context.Context, orderID string) error
}
