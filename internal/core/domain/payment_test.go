package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuxpay/tuxpay/internal/core/domain"
)

const (
	address    = "ltc1qqqqsyqcyq5rqwzqfpg9scrgwpugpzysn7y4w5g"
	scripthash = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
)

func newPayment(t *testing.T, amount int64) *domain.Payment {
	payment, err := domain.NewPayment(
		"LTC", "invoice", address, scripthash, amount, 100,
		time.Now().Add(15*time.Minute), "84h/2h/0h", 0, 0,
	)
	require.NoError(t, err)
	return payment
}

func paying(sats, confirmations int64) domain.Transaction {
	return domain.Transaction{
		Txid:          "0000000000000000000000000000000000000000000000000000000000000001",
		Confirmations: confirmations,
		Outputs: []domain.TxOutput{
			{Index: 0, Value: sats, Addresses: []string{address}},
			{Index: 1, Value: 999, Addresses: []string{"someone-else"}},
		},
	}
}

func TestPayment(t *testing.T) {
	testNewPayment(t)

	testPaymentTransitions(t)

	testPaymentApply(t)

	testPaymentDiff(t)
}

func testNewPayment(t *testing.T) {
	t.Run("new payment", func(t *testing.T) {
		t.Run("valid", func(t *testing.T) {
			payment := newPayment(t, 100000)
			require.NotEmpty(t, payment.UUID)
			require.Equal(t, domain.PaymentPending, payment.Status)
			require.Zero(t, payment.PaidAmountSats)
			require.True(t, payment.PaymentDate.IsZero())
		})

		t.Run("invalid", func(t *testing.T) {
			fixtures := []struct {
				symbol      string
				address     string
				scripthash  string
				amount      int64
				expiry      time.Time
				expectedErr string
			}{
				{"", address, scripthash, 1, time.Now().Add(time.Hour), "missing symbol"},
				{"LTC", "", scripthash, 1, time.Now().Add(time.Hour), "missing address"},
				{"LTC", address, "abcd", 1, time.Now().Add(time.Hour), "invalid scripthash length"},
				{"LTC", address, scripthash, 0, time.Now().Add(time.Hour), "amount must be positive"},
				{"LTC", address, scripthash, 1, time.Now().Add(-time.Hour), "expiry date must be in the future"},
			}
			for _, f := range fixtures {
				payment, err := domain.NewPayment(
					f.symbol, "", f.address, f.scripthash, f.amount, 0, f.expiry, "", 0, 0,
				)
				require.Nil(t, payment)
				require.EqualError(t, err, f.expectedErr)
			}
		})
	})
}

func testPaymentTransitions(t *testing.T) {
	t.Run("transitions", func(t *testing.T) {
		now := time.Now()

		t.Run("pending to paid to confirmed", func(t *testing.T) {
			payment := newPayment(t, 1000)
			require.NoError(t, payment.MarkPaid(1000, now))
			require.Equal(t, domain.PaymentPaid, payment.Status)
			require.Equal(t, int64(1000), payment.PaidAmountSats)
			paymentDate := payment.PaymentDate

			require.NoError(t, payment.Confirm(2000, now.Add(time.Minute)))
			require.Equal(t, domain.PaymentConfirmed, payment.Status)
			require.Equal(t, int64(1000), payment.PaidAmountSats)
			require.Equal(t, paymentDate, payment.PaymentDate)
		})

		t.Run("pending to confirmed", func(t *testing.T) {
			payment := newPayment(t, 1000)
			require.NoError(t, payment.Confirm(1000, now))
			require.Equal(t, domain.PaymentConfirmed, payment.Status)
		})

		t.Run("terminal states", func(t *testing.T) {
			payment := newPayment(t, 1000)
			require.True(t, payment.Expire(payment.ExpiryDate.Add(time.Second)))
			require.Equal(t, domain.PaymentExpired, payment.Status)
			require.Error(t, payment.MarkPaid(1000, now))
			require.Error(t, payment.Confirm(1000, now))
			require.False(t, payment.Expire(payment.ExpiryDate.Add(time.Hour)))

			payment = newPayment(t, 1000)
			require.NoError(t, payment.Confirm(1000, now))
			require.Error(t, payment.MarkPaid(1000, now))
			require.False(t, payment.Expire(payment.ExpiryDate.Add(time.Hour)))
			require.Equal(t, domain.PaymentConfirmed, payment.Status)
		})

		t.Run("paid payments do not expire", func(t *testing.T) {
			payment := newPayment(t, 1000)
			require.NoError(t, payment.MarkPaid(1000, now))
			require.False(t, payment.Expire(payment.ExpiryDate.Add(time.Hour)))
			require.Equal(t, domain.PaymentPaid, payment.Status)
		})
	})
}

func testPaymentApply(t *testing.T) {
	t.Run("apply", func(t *testing.T) {
		t.Run("paid then confirmed", func(t *testing.T) {
			payment := newPayment(t, 100000)
			now := time.Now()

			tally := domain.NewTally([]domain.Transaction{paying(100000, 0)}, address, 1)
			require.Equal(t, domain.Tally{MempoolSats: 100000}, tally)
			require.True(t, payment.Apply(tally, now))
			require.Equal(t, domain.PaymentPaid, payment.Status)
			require.True(t, payment.NeedsMempool(tally))

			tally = domain.NewTally([]domain.Transaction{paying(100000, 1)}, address, 1)
			require.False(t, payment.Apply(tally, now))
			require.Equal(t, domain.PaymentConfirmed, payment.Status)
			require.Equal(t, int64(100000), payment.PaidAmountSats)
			require.False(t, payment.NeedsMempool(tally))
		})

		t.Run("exact amount mined", func(t *testing.T) {
			payment := newPayment(t, 100000)
			tally := domain.NewTally([]domain.Transaction{paying(100000, 1)}, address, 6)
			require.Equal(t, int64(100000), tally.ChainSats)
			require.True(t, payment.Apply(tally, time.Now()))
			require.Equal(t, domain.PaymentPaid, payment.Status)
			require.False(t, payment.NeedsMempool(tally))

			tally = domain.NewTally([]domain.Transaction{paying(99999, 1)}, address, 6)
			require.True(t, payment.NeedsMempool(tally))
		})

		t.Run("expired without transactions", func(t *testing.T) {
			payment := newPayment(t, 50000)
			tally := domain.NewTally(nil, address, 1)
			require.False(t, payment.Apply(tally, payment.ExpiryDate.Add(time.Second)))
			require.Equal(t, domain.PaymentExpired, payment.Status)
			require.False(t, payment.NeedsMempool(tally))
		})

		t.Run("zero conf", func(t *testing.T) {
			payment := newPayment(t, 100000)
			tally := domain.NewTally([]domain.Transaction{paying(100000, 0)}, address, 0)
			require.Equal(t, int64(100000), tally.ChainSats)
			require.Equal(t, int64(100000), tally.ConfirmedSats)
			require.False(t, payment.Apply(tally, time.Now()))
			require.Equal(t, domain.PaymentConfirmed, payment.Status)
		})

		t.Run("instant lock", func(t *testing.T) {
			tx := paying(100000, 0)
			tx.InstantLock = true
			tally := domain.NewTally([]domain.Transaction{tx}, address, 1)
			require.Equal(t, domain.Tally{
				MempoolSats: 100000, ChainSats: 100000, ConfirmedSats: 100000,
			}, tally)

			tally = domain.NewTally([]domain.Transaction{tx}, address, 2)
			require.Zero(t, tally.ConfirmedSats)
		})

		t.Run("partial payments accumulate", func(t *testing.T) {
			payment := newPayment(t, 100000)
			first := paying(60000, 0)
			second := paying(40000, 0)
			second.Txid = "0000000000000000000000000000000000000000000000000000000000000002"

			tally := domain.NewTally([]domain.Transaction{first}, address, 1)
			require.True(t, payment.Apply(tally, time.Now()))
			require.Equal(t, domain.PaymentPending, payment.Status)

			tally = domain.NewTally([]domain.Transaction{first, second}, address, 1)
			require.True(t, payment.Apply(tally, time.Now()))
			require.Equal(t, domain.PaymentPaid, payment.Status)
		})
	})
}

func testPaymentDiff(t *testing.T) {
	t.Run("diff", func(t *testing.T) {
		payment := newPayment(t, 100000)
		require.Equal(t, []string{"*"}, payment.Diff(nil))

		snapshot := payment.Clone()
		require.Empty(t, payment.Diff(snapshot))

		now := time.Now().Add(time.Minute)
		txs := []domain.Transaction{paying(100000, 0)}
		payment.Transactions = txs
		payment.Apply(domain.NewTally(txs, address, 1), now)
		require.ElementsMatch(t, []string{
			"status", "paid_amount_sats", "payment_date", "last_update", "transactions",
		}, payment.Diff(snapshot))

		snapshot = payment.Clone()
		payment.Transactions = []domain.Transaction{paying(100000, 0)}
		payment.Apply(domain.NewTally(payment.Transactions, address, 1), now)
		require.Empty(t, payment.Diff(snapshot))

		serialized, err := payment.SerializeTransactions()
		require.NoError(t, err)
		restored := payment.Clone()
		require.NoError(t, restored.DeserializeTransactions(serialized))
		require.Empty(t, restored.Diff(snapshot))
	})
}
