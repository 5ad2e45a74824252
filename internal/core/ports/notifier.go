package ports

import (
	"context"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

// InvoiceEvent is emitted whenever the status of an invoice changes because
// of one of its payments.
type InvoiceEvent struct {
	Invoice domain.Invoice
	Payment domain.Payment
}

// Notifier defines the interface for sending notifications
type Notifier interface {
	Notify(ctx context.Context, event InvoiceEvent) error
}
