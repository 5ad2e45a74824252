package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
)

// watcher drives the status of one payment until it is confirmed or
// expired.
type watcher struct {
	svc   *service
	asset *assetService

	payment  *domain.Payment
	snapshot *domain.Payment
	ignored  map[string]struct{}
	queue    *ports.Queue
	now      func() time.Time
	// progressed is set once the payment has been reconciled.
	progressed bool
}

func newWatcher(svc *service, asset *assetService, payment domain.Payment) *watcher {
	return &watcher{
		svc:      svc,
		asset:    asset,
		payment:  payment.Clone(),
		snapshot: payment.Clone(),
		ignored:  make(map[string]struct{}),
		queue:    ports.NewQueue(),
		now:      time.Now,
	}
}

// run returns nil once there is nothing left to wait for.
func (w *watcher) run(ctx context.Context) error {
	defer w.asset.chain.Unsubscribe(w.queue)

	height, err := w.asset.tip.currentHeight(ctx, w.svc.ctx)
	if err != nil {
		return fmt.Errorf("failed to get current height: %w", err)
	}

	awaitingMempool := !w.payment.IsTerminal()
	awaitingConfirmations := !w.payment.IsTerminal()
	subscribed := false

	for {
		switch {
		case awaitingMempool:
			if !subscribed {
				if _, err := w.asset.chain.SubscribeScriptHash(
					ctx, w.payment.ScriptHash, w.queue,
				); err != nil {
					return fmt.Errorf("failed to subscribe to scripthash: %w", err)
				}
				subscribed = true
				break
			}
			if err := w.waitMempool(ctx); err != nil {
				return err
			}
		case awaitingConfirmations:
			if height, err = w.asset.tip.waitAdvance(ctx, height); err != nil {
				return err
			}
		default:
			log.Infof("finished watching payment %s (%s)", w.payment.UUID, w.payment.Status)
			return nil
		}

		tally, err := w.reconcile(ctx)
		if err != nil {
			return err
		}
		w.progressed = true
		awaitingConfirmations = w.payment.Apply(tally, w.now())
		if awaitingMempool && !w.payment.NeedsMempool(tally) {
			awaitingMempool = false
			w.asset.chain.Unsubscribe(w.queue)
		}

		w.persist(ctx)
	}
}

// waitMempool waits for a scripthash notification. A pending payment stops
// waiting at its expiry date so that it expires on time.
func (w *watcher) waitMempool(ctx context.Context) error {
	waitCtx := ctx
	if w.payment.IsPending() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, w.payment.ExpiryDate.Add(time.Second))
		defer cancel()
	}

	if _, err := w.queue.Pop(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	// coalesce notifications received in the meantime
	for {
		if _, ok := w.queue.TryPop(); !ok {
			return nil
		}
	}
}

// reconcile fetches the transactions relevant to the payment and tallies
// the amounts paid to its address.
func (w *watcher) reconcile(ctx context.Context) (domain.Tally, error) {
	chain := w.asset.chain
	history, err := chain.GetHistory(ctx, w.payment.ScriptHash)
	if err != nil {
		return domain.Tally{}, fmt.Errorf("failed to get history: %w", err)
	}

	txs := make([]domain.Transaction, 0, len(history))
	for _, item := range history {
		if _, ok := w.ignored[item.TxHash]; ok {
			continue
		}
		tx, err := chain.GetTransaction(ctx, item.TxHash)
		if err != nil {
			return domain.Tally{}, fmt.Errorf("failed to get transaction %s: %w", item.TxHash, err)
		}
		if item.Fee != nil {
			tx.MempoolFee = *item.Fee
		}
		if !w.asset.cfg.Asset.InstantLock {
			tx.InstantLock = false
		}

		if tx.Time > 0 && !time.Unix(tx.Time, 0).After(w.payment.CreationDate) {
			w.ignored[item.TxHash] = struct{}{}
			continue
		}
		txs = append(txs, *tx)
	}

	if w.asset.cfg.RequiredConfirmations == 0 {
		w.checkZeroConfFees(ctx, txs)
	}

	w.payment.Transactions = txs
	return domain.NewTally(txs, w.payment.Address, w.asset.cfg.RequiredConfirmations), nil
}

// checkZeroConfFees warns about unconfirmed transactions accepted with a fee
// rate below the current estimate.
func (w *watcher) checkZeroConfFees(ctx context.Context, txs []domain.Transaction) {
	for _, tx := range txs {
		if tx.EffectiveConfirmations() > 0 || tx.PaidTo(w.payment.Address) <= 0 {
			continue
		}
		if tx.MempoolFee <= 0 || tx.VSize <= 0 {
			log.Warnf(
				"payment %s: accepting zero-conf tx %s with unknown fee",
				w.payment.UUID, tx.Txid,
			)
			continue
		}
		rate, err := w.asset.tip.currentFeeRate(ctx)
		if err != nil {
			log.WithError(err).Warnf("payment %s: failed to get fee rate", w.payment.UUID)
			continue
		}
		txRate := float64(tx.MempoolFee) / float64(tx.VSize)
		if txRate < rate {
			log.Warnf(
				"payment %s: accepting zero-conf tx %s paying %.2f sat/vB, below %.2f",
				w.payment.UUID, tx.Txid, txRate, rate,
			)
		}
	}
}

// persist writes the payment if it changed since the last write and
// propagates the change to its invoice. Failures are logged and retried at
// the next iteration.
func (w *watcher) persist(ctx context.Context) {
	if err := w.svc.liveStore.WatchedPayments().Set(ctx, *w.payment); err != nil {
		log.WithError(err).Warnf("failed to update live store for payment %s", w.payment.UUID)
	}

	changes := w.payment.Diff(w.snapshot)
	if len(changes) <= 0 {
		return
	}
	if err := w.svc.repoManager.Payments().Update(ctx, *w.payment); err != nil {
		log.WithError(err).Warnf("failed to update payment %s", w.payment.UUID)
		return
	}
	log.Debugf("payment %s updated: %v", w.payment.UUID, changes)
	w.snapshot = w.payment.Clone()

	w.updateInvoice(ctx)
}

func (w *watcher) updateInvoice(ctx context.Context) {
	if len(w.payment.InvoiceID) <= 0 {
		return
	}

	repo := w.svc.repoManager.Invoices()
	invoice, err := repo.Get(ctx, w.payment.InvoiceID)
	if err != nil {
		log.WithError(err).Warnf("failed to get invoice %s", w.payment.InvoiceID)
		return
	}
	if !invoice.ApplyPayment(*w.payment) {
		return
	}
	if err := repo.Update(ctx, *invoice); err != nil {
		log.WithError(err).Warnf("failed to update invoice %s", invoice.ID)
		return
	}
	log.Infof("invoice %s is %s", invoice.ID, invoice.Status)

	w.svc.notify(ports.InvoiceEvent{Invoice: *invoice, Payment: *w.payment.Clone()})
}
