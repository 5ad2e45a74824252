package inmemorylivestore

import (
	"context"
	"sort"
	"sync"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

type inMemoryLiveStore struct {
	watchedPayments ports.WatchedPaymentStore
}

func NewLiveStore() ports.LiveStore {
	return &inMemoryLiveStore{
		watchedPayments: NewWatchedPaymentStore(),
	}
}

func (s *inMemoryLiveStore) WatchedPayments() ports.WatchedPaymentStore {
	return s.watchedPayments
}

func (s *inMemoryLiveStore) Close() {}

type watchedPaymentStore struct {
	lock     sync.RWMutex
	payments map[string]domain.Payment
}

func NewWatchedPaymentStore() ports.WatchedPaymentStore {
	return &watchedPaymentStore{
		payments: make(map[string]domain.Payment),
	}
}

func (m *watchedPaymentStore) Set(_ context.Context, payment domain.Payment) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.payments[payment.UUID] = *payment.Clone()
	return nil
}

func (m *watchedPaymentStore) Get(_ context.Context, uuid string) (*domain.Payment, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	payment, ok := m.payments[uuid]
	if !ok {
		return nil, nil
	}
	return payment.Clone(), nil
}

func (m *watchedPaymentStore) Delete(_ context.Context, uuid string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.payments, uuid)
	return nil
}

func (m *watchedPaymentStore) GetAll(_ context.Context) ([]domain.Payment, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	payments := make([]domain.Payment, 0, len(m.payments))
	for _, payment := range m.payments {
		payments = append(payments, *payment.Clone())
	}
	sort.Slice(payments, func(i, j int) bool {
		return payments[i].CreationDate.Before(payments[j].CreationDate)
	})
	return payments, nil
}
