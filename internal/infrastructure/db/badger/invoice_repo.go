package badgerdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"
	"github.com/tuxpay/tuxpay/internal/core/domain"
)

const invoiceStoreDir = "invoices"

type invoiceRepository struct {
	store *badgerhold.Store
}

func NewInvoiceRepository(config ...interface{}) (domain.InvoiceRepository, error) {
	store, err := openStore(invoiceStoreDir, config...)
	if err != nil {
		return nil, err
	}
	return &invoiceRepository{store}, nil
}

func (r *invoiceRepository) Add(ctx context.Context, invoice domain.Invoice) error {
	return withRetry(func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxInsert(tx, invoice.ID, invoice)
		}
		return r.store.Insert(invoice.ID, invoice)
	})
}

func (r *invoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	err := withRetry(func() error {
		if ctx.Value("tx") != nil {
			tx := ctx.Value("tx").(*badger.Txn)
			return r.store.TxUpdate(tx, invoice.ID, invoice)
		}
		return r.store.Update(invoice.ID, invoice)
	})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, invoice.ID)
	}
	return err
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, id, &invoice)
	} else {
		err = r.store.Get(id, &invoice)
	}
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *invoiceRepository) Close() {
	r.store.Close()
}
