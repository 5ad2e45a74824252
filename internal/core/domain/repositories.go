package domain

import (
	"context"
	"errors"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentExists   = errors.New("payment already exists for derivation path")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

type PaymentRepository interface {
	Add(ctx context.Context, payment Payment) error
	Update(ctx context.Context, payment Payment) error
	Get(ctx context.Context, uuid string) (*Payment, error)
	GetByStatus(ctx context.Context, statuses ...PaymentStatus) ([]Payment, error)
	GetByInvoice(ctx context.Context, invoiceID string) ([]Payment, error)
	NextDerivationIndex(ctx context.Context, symbol string, account uint32) (uint32, error)
	Close()
}

type InvoiceRepository interface {
	Add(ctx context.Context, invoice Invoice) error
	Update(ctx context.Context, invoice Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	Close()
}

type ServerRepository interface {
	GetAll(ctx context.Context, symbol string) ([]Server, error)
	Upsert(ctx context.Context, servers ...Server) error
	Delete(ctx context.Context, symbol string, hosts ...string) error
	Close()
}
