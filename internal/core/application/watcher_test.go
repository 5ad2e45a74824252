package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

func runWatcher(ctx context.Context, w *watcher) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- w.run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("watcher did not stop")
		return nil
	}
}

func TestWatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("paid then confirmed", func(t *testing.T) {
		env := newTestEnv(t, 1)
		invoice := env.addInvoice(t)
		payment := env.addPayment(t, 100000, invoice.ID)

		w := newWatcher(env.svc, env.assetService(), *payment)
		done := runWatcher(ctx, w)

		require.Eventually(t, func() bool {
			return env.chain.subscribers(payment.ScriptHash) == 1
		}, 2*time.Second, 10*time.Millisecond)

		env.chain.setTx(payment.ScriptHash, payingTx(txidA, address0, 100000, 0, 0), nil)
		env.chain.notifyScriptHash(payment.ScriptHash)

		require.Eventually(t, func() bool {
			return env.getPayment(t, payment.UUID).Status == domain.PaymentPaid
		}, 2*time.Second, 10*time.Millisecond)
		paid := env.getPayment(t, payment.UUID)
		require.Equal(t, int64(100000), paid.PaidAmountSats)
		require.False(t, paid.PaymentDate.IsZero())

		env.chain.pushHeader(ports.BlockHeader{Height: 101, Hex: "01"})
		env.chain.setTx(
			payment.ScriptHash, payingTx(txidA, address0, 100000, 1, time.Now().Unix()+1), nil,
		)
		env.chain.notifyScriptHash(payment.ScriptHash)

		require.NoError(t, waitDone(t, done, 3*time.Second))

		confirmed := env.getPayment(t, payment.UUID)
		require.Equal(t, domain.PaymentConfirmed, confirmed.Status)
		require.Equal(t, int64(100000), confirmed.PaidAmountSats)
		require.Equal(t, paid.PaymentDate.Unix(), confirmed.PaymentDate.Unix())
		require.Len(t, confirmed.Transactions, 1)
		require.Zero(t, env.chain.subscribers(payment.ScriptHash))

		got, err := env.svc.repoManager.Invoices().Get(ctx, invoice.ID)
		require.NoError(t, err)
		require.Equal(t, domain.InvoiceConfirmed, got.Status)

		require.Eventually(t, func() bool {
			statuses := env.notifier.statuses()
			return len(statuses) == 2 &&
				statuses[0] == domain.InvoicePaid && statuses[1] == domain.InvoiceConfirmed
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("waits for blocks once mined", func(t *testing.T) {
		env := newTestEnv(t, 2)
		payment := env.addPayment(t, 100000, "")
		env.chain.setTx(
			payment.ScriptHash, payingTx(txidA, address0, 100000, 1, time.Now().Unix()+1), nil,
		)

		w := newWatcher(env.svc, env.assetService(), *payment)
		done := runWatcher(ctx, w)

		require.Eventually(t, func() bool {
			return env.getPayment(t, payment.UUID).Status == domain.PaymentPaid
		}, 2*time.Second, 10*time.Millisecond)
		// mined funds don't need mempool notifications anymore
		require.Eventually(t, func() bool {
			return env.chain.subscribers(payment.ScriptHash) == 0
		}, 2*time.Second, 10*time.Millisecond)

		env.chain.setTx(
			payment.ScriptHash, payingTx(txidA, address0, 100000, 2, time.Now().Unix()+1), nil,
		)
		env.chain.pushHeader(ports.BlockHeader{Height: 102, Hex: "02"})

		require.NoError(t, waitDone(t, done, 3*time.Second))
		require.Equal(t, domain.PaymentConfirmed, env.getPayment(t, payment.UUID).Status)
	})

	t.Run("expired", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 50000, "")
		payment.ExpiryDate = time.Now().Add(-time.Second)

		w := newWatcher(env.svc, env.assetService(), *payment)
		require.NoError(t, w.run(ctx))

		got := env.getPayment(t, payment.UUID)
		require.Equal(t, domain.PaymentExpired, got.Status)
		require.True(t, got.PaymentDate.IsZero())
		require.Zero(t, got.PaidAmountSats)
	})

	t.Run("expires while waiting", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 50000, "")
		payment.ExpiryDate = time.Now().Add(500 * time.Millisecond)

		w := newWatcher(env.svc, env.assetService(), *payment)
		done := runWatcher(ctx, w)

		require.NoError(t, waitDone(t, done, 5*time.Second))
		require.Equal(t, domain.PaymentExpired, env.getPayment(t, payment.UUID).Status)
	})

	t.Run("zero conf", func(t *testing.T) {
		env := newTestEnv(t, 0)
		payment := env.addPayment(t, 50000, "")
		fee := int64(100)
		env.chain.setTx(payment.ScriptHash, payingTx(txidA, address0, 50000, 0, 0), &fee)

		w := newWatcher(env.svc, env.assetService(), *payment)
		require.NoError(t, w.run(ctx))

		got := env.getPayment(t, payment.UUID)
		require.Equal(t, domain.PaymentConfirmed, got.Status)
		require.Equal(t, int64(50000), got.PaidAmountSats)
		require.Equal(t, fee, got.Transactions[0].MempoolFee)
		require.Equal(t, 1, env.chain.feeCalls)
	})

	t.Run("instant lock", func(t *testing.T) {
		env := newTestEnv(t, 1)
		env.assetService().cfg.Asset.InstantLock = true
		payment := env.addPayment(t, 50000, "")
		tx := payingTx(txidA, address0, 50000, 0, 0)
		tx.InstantLock = true
		env.chain.setTx(payment.ScriptHash, tx, nil)

		w := newWatcher(env.svc, env.assetService(), *payment)
		require.NoError(t, w.run(ctx))
		require.True(t, w.progressed)
		require.Equal(t, domain.PaymentConfirmed, env.getPayment(t, payment.UUID).Status)
	})

	t.Run("instant lock ignored on chains without it", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 50000, "")
		tx := payingTx(txidA, address0, 50000, 0, 0)
		tx.InstantLock = true
		env.chain.setTx(payment.ScriptHash, tx, nil)

		w := newWatcher(env.svc, env.assetService(), *payment)
		tally, err := w.reconcile(ctx)
		require.NoError(t, err)
		require.False(t, w.payment.Transactions[0].InstantLock)
		require.True(t, w.payment.Apply(tally, time.Now()))
		require.Equal(t, domain.PaymentPaid, w.payment.Status)
	})

	t.Run("idempotent reconciliation", func(t *testing.T) {
		env := newTestEnv(t, 6)
		payment := env.addPayment(t, 100000, "")
		env.chain.setTx(payment.ScriptHash, payingTx(txidA, address0, 60000, 0, 0), nil)
		env.chain.setTx(payment.ScriptHash, payingTx(txidB, address0, 40000, 0, 0), nil)

		w := newWatcher(env.svc, env.assetService(), *payment)
		reconcile := func() {
			tally, err := w.reconcile(ctx)
			require.NoError(t, err)
			require.True(t, w.payment.Apply(tally, time.Now()))
			w.persist(ctx)
		}

		reconcile()
		require.Equal(t, domain.PaymentPaid, w.payment.Status)
		snapshot := w.snapshot
		require.Empty(t, w.payment.Diff(snapshot))

		reconcile()
		require.Same(t, snapshot, w.snapshot)
		require.Equal(t, domain.PaymentPaid, env.getPayment(t, payment.UUID).Status)
	})

	t.Run("ignore transactions before creation", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 100000, "")
		old := payingTx(txidA, address0, 100000, 10, payment.CreationDate.Add(-time.Hour).Unix())
		env.chain.setTx(payment.ScriptHash, old, nil)

		w := newWatcher(env.svc, env.assetService(), *payment)
		tally, err := w.reconcile(ctx)
		require.NoError(t, err)
		require.Zero(t, tally.MempoolSats)
		require.Empty(t, w.payment.Transactions)
		require.Contains(t, w.ignored, txidA)
	})

	t.Run("no servers", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 100000, "")
		env.chain.setNoServers(true)

		w := newWatcher(env.svc, env.assetService(), *payment)
		err := w.run(ctx)
		require.True(t, errors.Is(err, ports.ErrNoServers))
		require.False(t, w.progressed)

		got := env.getPayment(t, payment.UUID)
		require.Equal(t, domain.PaymentPending, got.Status)
		require.Empty(t, got.Diff(payment))
	})

	t.Run("canceled", func(t *testing.T) {
		env := newTestEnv(t, 1)
		payment := env.addPayment(t, 100000, "")

		ctx, cancel := context.WithCancel(ctx)
		w := newWatcher(env.svc, env.assetService(), *payment)
		done := runWatcher(ctx, w)
		require.Eventually(t, func() bool {
			return env.chain.subscribers(payment.ScriptHash) == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		require.ErrorIs(t, waitDone(t, done, 2*time.Second), context.Canceled)
		require.Zero(t, env.chain.subscribers(payment.ScriptHash))
	})
}
