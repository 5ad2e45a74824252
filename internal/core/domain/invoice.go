package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceConfirmed InvoiceStatus = "confirmed"
	InvoiceExpired   InvoiceStatus = "expired"
)

type InvoiceStatus string

type Invoice struct {
	ID            string
	Name          string
	CustomerEmail string
	AmountCents   int64
	Currency      string
	CreationDate  time.Time
	ExpiryDate    time.Time
	PaymentDate   time.Time
	Status        InvoiceStatus
}

func NewInvoice(
	name, customerEmail string, amountCents int64, currency string, expiryDate time.Time,
) (*Invoice, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if len(currency) <= 0 {
		return nil, fmt.Errorf("missing currency")
	}
	return &Invoice{
		ID:            uuid.New().String(),
		Name:          name,
		CustomerEmail: customerEmail,
		AmountCents:   amountCents,
		Currency:      currency,
		CreationDate:  time.Now().UTC(),
		ExpiryDate:    expiryDate.UTC(),
		Status:        InvoicePending,
	}, nil
}

// ApplyPayment derives the invoice status from the status of one of its
// payments. It returns true if the invoice status changed.
func (i *Invoice) ApplyPayment(payment Payment) bool {
	next := i.Status
	switch {
	case payment.Status == PaymentConfirmed &&
		(i.Status == InvoicePending || i.Status == InvoicePaid):
		next = InvoiceConfirmed
	case payment.Status == PaymentPaid && i.Status == InvoicePending:
		next = InvoicePaid
	}
	if next == i.Status {
		return false
	}

	i.Status = next
	i.PaymentDate = payment.PaymentDate
	return true
}
