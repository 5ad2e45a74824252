package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

const paymentColumns = `uuid, symbol, invoice_id, address, scripthash, amount_sats,
	creation_date, creation_height, expiry_date, derivation_path, derivation_account,
	derivation_index, status, paid_amount_sats, payment_date, last_update, transactions`

type paymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(config ...interface{}) (domain.PaymentRepository, error) {
	db, err := dbFromConfig("payment", config...)
	if err != nil {
		return nil, err
	}
	return &paymentRepository{db}, nil
}

func (r *paymentRepository) Close() {
	_ = r.db.Close()
}

func (r *paymentRepository) Add(ctx context.Context, payment domain.Payment) error {
	txs, err := payment.SerializeTransactions()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO payment (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.UUID, payment.Symbol, payment.InvoiceID, payment.Address, payment.ScriptHash,
		payment.AmountSats, toUnix(payment.CreationDate), payment.CreationHeight,
		toUnix(payment.ExpiryDate), payment.DerivationPath, payment.DerivationAccount,
		payment.DerivationIndex, string(payment.Status), payment.PaidAmountSats,
		toUnix(payment.PaymentDate), payment.LastUpdate, txs,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s %s/%d/%d", domain.ErrPaymentExists, payment.Symbol,
			payment.DerivationPath, payment.DerivationAccount, payment.DerivationIndex)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// Update writes the mutable fields of the payment.
func (r *paymentRepository) Update(ctx context.Context, payment domain.Payment) error {
	txs, err := payment.SerializeTransactions()
	if err != nil {
		return err
	}

	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE payment SET
			status = ?, paid_amount_sats = ?, payment_date = ?, last_update = ?, transactions = ?
			WHERE uuid = ?`,
			string(payment.Status), payment.PaidAmountSats, toUnix(payment.PaymentDate),
			payment.LastUpdate, txs, payment.UUID,
		)
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}
		count, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if count <= 0 {
			return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, payment.UUID)
		}
		return nil
	})
}

func (r *paymentRepository) Get(ctx context.Context, uuid string) (*domain.Payment, error) {
	row := r.db.QueryRowContext(
		ctx, `SELECT `+paymentColumns+` FROM payment WHERE uuid = ?`, uuid,
	)
	payment, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *paymentRepository) GetByStatus(
	ctx context.Context, statuses ...domain.PaymentStatus,
) ([]domain.Payment, error) {
	if len(statuses) <= 0 {
		return []domain.Payment{}, nil
	}

	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}
	query := fmt.Sprintf(
		`SELECT %s FROM payment WHERE status IN (%s) ORDER BY creation_date`,
		paymentColumns, strings.Join(placeholders, ", "),
	)
	return r.findPayments(ctx, query, args...)
}

func (r *paymentRepository) GetByInvoice(
	ctx context.Context, invoiceID string,
) ([]domain.Payment, error) {
	return r.findPayments(
		ctx,
		`SELECT `+paymentColumns+` FROM payment WHERE invoice_id = ? ORDER BY creation_date`,
		invoiceID,
	)
}

func (r *paymentRepository) NextDerivationIndex(
	ctx context.Context, symbol string, account uint32,
) (uint32, error) {
	var next sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		`SELECT MAX(derivation_index) + 1 FROM payment WHERE symbol = ? AND derivation_account = ?`,
		symbol, account,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to get next derivation index: %w", err)
	}
	if !next.Valid {
		return 0, nil
	}
	return uint32(next.Int64), nil
}

func (r *paymentRepository) findPayments(
	ctx context.Context, query string, args ...any,
) ([]domain.Payment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*domain.Payment, error) {
	var (
		p                                     domain.Payment
		status, txs                           string
		creationDate, expiryDate, paymentDate int64
		derivationAccount, derivationIndex    int64
	)
	if err := row.Scan(
		&p.UUID, &p.Symbol, &p.InvoiceID, &p.Address, &p.ScriptHash, &p.AmountSats,
		&creationDate, &p.CreationHeight, &expiryDate, &p.DerivationPath, &derivationAccount,
		&derivationIndex, &status, &p.PaidAmountSats, &paymentDate, &p.LastUpdate, &txs,
	); err != nil {
		return nil, err
	}

	p.CreationDate = fromUnix(creationDate)
	p.ExpiryDate = fromUnix(expiryDate)
	p.PaymentDate = fromUnix(paymentDate)
	p.DerivationAccount = uint32(derivationAccount)
	p.DerivationIndex = uint32(derivationIndex)
	p.Status = domain.PaymentStatus(status)
	if err := p.DeserializeTransactions(txs); err != nil {
		return nil, err
	}
	return &p, nil
}
