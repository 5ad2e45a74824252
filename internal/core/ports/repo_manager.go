package ports

import "github.com/tuxpay/tuxpay/internal/core/domain"

type RepoManager interface {
	Payments() domain.PaymentRepository
	Invoices() domain.InvoiceRepository
	Servers() domain.ServerRepository
	Close()
}
