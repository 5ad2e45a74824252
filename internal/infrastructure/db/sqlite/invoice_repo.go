package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

type invoiceRepository struct {
	db *sql.DB
}

func NewInvoiceRepository(config ...interface{}) (domain.InvoiceRepository, error) {
	db, err := dbFromConfig("invoice", config...)
	if err != nil {
		return nil, err
	}
	return &invoiceRepository{db}, nil
}

func (r *invoiceRepository) Close() {
	_ = r.db.Close()
}

func (r *invoiceRepository) Add(ctx context.Context, invoice domain.Invoice) error {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO invoice (
			id, name, customer_email, amount_cents, currency,
			creation_date, expiry_date, payment_date, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID, invoice.Name, invoice.CustomerEmail, invoice.AmountCents, invoice.Currency,
		toUnix(invoice.CreationDate), toUnix(invoice.ExpiryDate), toUnix(invoice.PaymentDate),
		string(invoice.Status),
	); err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invoice SET status = ?, payment_date = ? WHERE id = ?`,
		string(invoice.Status), toUnix(invoice.PaymentDate), invoice.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, invoice.ID)
	}
	return nil
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*domain.Invoice, error) {
	var (
		invoice                               domain.Invoice
		status                                string
		creationDate, expiryDate, paymentDate int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT
			id, name, customer_email, amount_cents, currency,
			creation_date, expiry_date, payment_date, status
		FROM invoice WHERE id = ?`, id,
	).Scan(
		&invoice.ID, &invoice.Name, &invoice.CustomerEmail, &invoice.AmountCents,
		&invoice.Currency, &creationDate, &expiryDate, &paymentDate, &status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvoiceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	invoice.CreationDate = fromUnix(creationDate)
	invoice.ExpiryDate = fromUnix(expiryDate)
	invoice.PaymentDate = fromUnix(paymentDate)
	invoice.Status = domain.InvoiceStatus(status)
	return &invoice, nil
}
