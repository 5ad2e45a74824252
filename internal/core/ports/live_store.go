package ports

import (
	"context"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

// LiveStore keeps the in-memory state of the payments currently watched.
type LiveStore interface {
	WatchedPayments() WatchedPaymentStore
	Close()
}

type WatchedPaymentStore interface {
	Set(ctx context.Context, payment domain.Payment) error
	Get(ctx context.Context, uuid string) (*domain.Payment, error)
	Delete(ctx context.Context, uuid string) error
	GetAll(ctx context.Context) ([]domain.Payment, error)
}
