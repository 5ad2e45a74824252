package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"github.com/tuxpay/tuxpay/internal/core/domain"
)

const paymentStoreDir = "payments"

type paymentRepository struct {
	store *badgerhold.Store
}

func NewPaymentRepository(config ...interface{}) (domain.PaymentRepository, error) {
	store, err := openStore(paymentStoreDir, config...)
	if err != nil {
		return nil, err
	}
	return &paymentRepository{store}, nil
}

// derivation claims a derivation path for a payment. It is written in the
// same transaction as the payment so that two payments can't share an
// address.
type derivation struct {
	PaymentUUID string
}

func (r *paymentRepository) Add(ctx context.Context, payment domain.Payment) error {
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		return r.addTx(tx, payment)
	}
	return withRetry(func() error {
		return r.store.Badger().Update(func(tx *badger.Txn) error {
			return r.addTx(tx, payment)
		})
	})
}

func (r *paymentRepository) addTx(tx *badger.Txn, payment domain.Payment) error {
	key := derivationKey(payment)
	err := r.store.TxInsert(tx, key, derivation{payment.UUID})
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("%w: %s", domain.ErrPaymentExists, key)
	}
	if err != nil {
		return err
	}

	err = r.store.TxInsert(tx, payment.UUID, payment)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("payment %s already exists", payment.UUID)
	}
	return err
}

func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	current, err := r.Get(ctx, payment.UUID)
	if err != nil {
		return err
	}
	current.Status = payment.Status
	current.PaidAmountSats = payment.PaidAmountSats
	current.PaymentDate = payment.PaymentDate
	current.LastUpdate = payment.LastUpdate
	current.Transactions = payment.Transactions

	return withRetry(func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpdate(tx, current.UUID, *current)
		}
		return r.store.Update(current.UUID, *current)
	})
}

func (r *paymentRepository) Get(ctx context.Context, uuid string) (*domain.Payment, error) {
	var payment domain.Payment
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, uuid, &payment)
	} else {
		err = r.store.Get(uuid, &payment)
	}
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByStatus(
	ctx context.Context, statuses ...domain.PaymentStatus,
) ([]domain.Payment, error) {
	if len(statuses) <= 0 {
		return []domain.Payment{}, nil
	}
	values := make([]interface{}, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, status)
	}
	return r.findPayments(ctx, badgerhold.Where("Status").In(values...))
}

func (r *paymentRepository) GetByInvoice(
	ctx context.Context, invoiceID string,
) ([]domain.Payment, error) {
	return r.findPayments(ctx, badgerhold.Where("InvoiceID").Eq(invoiceID))
}

func (r *paymentRepository) NextDerivationIndex(
	ctx context.Context, symbol string, account uint32,
) (uint32, error) {
	payments, err := r.findPayments(
		ctx, badgerhold.Where("Symbol").Eq(symbol).And("DerivationAccount").Eq(account),
	)
	if err != nil {
		return 0, err
	}
	if len(payments) <= 0 {
		return 0, nil
	}
	next := uint32(0)
	for _, payment := range payments {
		if payment.DerivationIndex >= next {
			next = payment.DerivationIndex + 1
		}
	}
	return next, nil
}

func (r *paymentRepository) Close() {
	r.store.Close()
}

func derivationKey(payment domain.Payment) string {
	return fmt.Sprintf(
		"%s:%s/%d/%d", payment.Symbol, payment.DerivationPath,
		payment.DerivationAccount, payment.DerivationIndex,
	)
}

func (r *paymentRepository) findPayments(
	ctx context.Context, query *badgerhold.Query,
) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0)
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxFind(tx, &payments, query)
	} else {
		err = r.store.Find(&payments, query)
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].CreationDate.Before(payments[j].CreationDate)
	})
	return payments, nil
}
