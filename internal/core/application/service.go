package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPeerUpdateInterval = 24 * time.Hour
	defaultRescanInterval     = 30 * time.Second
	maxDerivationAttempts     = 5
	peerUpdateTimeout         = 5 * time.Minute
)

var ErrAssetNotEnabled = errors.New("asset not enabled")

type assetService struct {
	cfg   AssetConfig
	chain ports.ChainService
	tip   *tipTracker
}

type service struct {
	assets             map[string]*assetService
	peerUpdateInterval time.Duration
	rescanInterval     time.Duration

	repoManager ports.RepoManager
	liveStore   ports.LiveStore
	scheduler   ports.SchedulerService
	notifier    ports.Notifier

	watchers *watchersMap
	wg       *sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewService(
	cfg Config, repoManager ports.RepoManager, liveStore ports.LiveStore,
	schedulerSvc ports.SchedulerService, notifier ports.Notifier,
) (Service, error) {
	if len(cfg.Assets) <= 0 {
		return nil, fmt.Errorf("missing assets")
	}
	assets := make(map[string]*assetService)
	for _, a := range cfg.Assets {
		if a.Chain == nil {
			return nil, fmt.Errorf("missing chain service for %s", a.Asset.Symbol)
		}
		if a.Deriver == nil {
			return nil, fmt.Errorf("missing address deriver for %s", a.Asset.Symbol)
		}
		if a.PaymentExpiry <= 0 {
			return nil, fmt.Errorf("invalid payment expiry for %s", a.Asset.Symbol)
		}
		if a.RequiredConfirmations < 0 {
			return nil, fmt.Errorf("invalid required confirmations for %s", a.Asset.Symbol)
		}
		assets[a.Asset.Symbol] = &assetService{
			cfg:   a,
			chain: a.Chain,
			tip:   newTipTracker(a.Chain, a.FallbackFeeRate),
		}
	}

	peerUpdateInterval := cfg.PeerUpdateInterval
	if peerUpdateInterval <= 0 {
		peerUpdateInterval = defaultPeerUpdateInterval
	}
	rescanInterval := cfg.RescanInterval
	if rescanInterval <= 0 {
		rescanInterval = defaultRescanInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &service{
		assets:             assets,
		peerUpdateInterval: peerUpdateInterval,
		rescanInterval:     rescanInterval,
		repoManager:        repoManager,
		liveStore:          liveStore,
		scheduler:          schedulerSvc,
		notifier:           notifier,
		watchers:           newWatchersMap(),
		wg:                 &sync.WaitGroup{},
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

func (s *service) Start() error {
	s.scheduler.Start()

	if err := s.scheduler.ScheduleEvery(s.peerUpdateInterval, s.updatePeers); err != nil {
		return fmt.Errorf("failed to schedule peer updates: %w", err)
	}
	if err := s.scheduler.ScheduleEvery(s.rescanInterval, s.rescan); err != nil {
		return fmt.Errorf("failed to schedule rescan: %w", err)
	}
	go s.updatePeers()

	count, err := s.resume(s.ctx)
	if err != nil {
		return err
	}
	log.Infof("resumed %d payments", count)
	return nil
}

func (s *service) Stop() {
	s.scheduler.Stop()
	s.cancel()
	s.watchers.cancelAll()
	s.wg.Wait()

	for _, a := range s.assets {
		a.chain.Close()
	}
	s.liveStore.Close()
	s.repoManager.Close()
}

func (s *service) CreateInvoice(
	ctx context.Context, name, customerEmail string, amountCents int64, currency string,
	expiry time.Duration,
) (*domain.Invoice, error) {
	invoice, err := domain.NewInvoice(
		name, customerEmail, amountCents, currency, time.Now().Add(expiry),
	)
	if err != nil {
		return nil, err
	}
	if err := s.repoManager.Invoices().Add(ctx, *invoice); err != nil {
		return nil, fmt.Errorf("failed to add invoice: %w", err)
	}
	return invoice, nil
}

func (s *service) CreatePayment(
	ctx context.Context, invoiceID, symbol string, amountSats int64,
) (*domain.Payment, error) {
	a, err := s.getAsset(symbol)
	if err != nil {
		return nil, err
	}
	if len(invoiceID) > 0 {
		if _, err := s.repoManager.Invoices().Get(ctx, invoiceID); err != nil {
			return nil, err
		}
	}

	height, err := a.tip.currentHeight(ctx, s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current height: %w", err)
	}

	repo := s.repoManager.Payments()
	account := a.cfg.DerivationAccount
	for i := 0; i < maxDerivationAttempts; i++ {
		index, err := repo.NextDerivationIndex(ctx, a.cfg.Asset.Symbol, account)
		if err != nil {
			return nil, fmt.Errorf("failed to get derivation index: %w", err)
		}
		address, err := a.cfg.Deriver.DeriveAddress(account, index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive address: %w", err)
		}
		scripthash, err := a.cfg.Asset.ScriptHash(address)
		if err != nil {
			return nil, err
		}

		payment, err := domain.NewPayment(
			a.cfg.Asset.Symbol, invoiceID, address, scripthash, amountSats, height,
			time.Now().Add(a.cfg.PaymentExpiry), a.cfg.Deriver.DerivationPath(), account, index,
		)
		if err != nil {
			return nil, err
		}

		if err := repo.Add(ctx, *payment); err != nil {
			// another process took this index
			if errors.Is(err, domain.ErrPaymentExists) {
				continue
			}
			return nil, fmt.Errorf("failed to add payment: %w", err)
		}

		log.Infof(
			"created payment %s of %d sats to %s (%s/%d/%d)",
			payment.UUID, amountSats, address, payment.DerivationPath, account, index,
		)
		s.watch(a, *payment)
		return payment, nil
	}
	return nil, fmt.Errorf("failed to find a free derivation index for %s", symbol)
}

func (s *service) GetPayment(ctx context.Context, uuid string) (*domain.Payment, error) {
	return s.repoManager.Payments().Get(ctx, uuid)
}

func (s *service) WatchedPayment(ctx context.Context, uuid string) (*domain.Payment, error) {
	payment, err := s.liveStore.WatchedPayments().Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *service) CurrentHeight(ctx context.Context, symbol string) (int64, error) {
	a, err := s.getAsset(symbol)
	if err != nil {
		return 0, err
	}
	return a.tip.currentHeight(ctx, s.ctx)
}

func (s *service) FeeRate(ctx context.Context, symbol string) (float64, error) {
	a, err := s.getAsset(symbol)
	if err != nil {
		return 0, err
	}
	if _, err := a.tip.currentHeight(ctx, s.ctx); err != nil {
		log.WithError(err).Warnf("%s: failed to get current height", symbol)
		return a.cfg.FallbackFeeRate, nil
	}
	return a.tip.currentFeeRate(ctx)
}

func (s *service) getAsset(symbol string) (*assetService, error) {
	asset, err := common.GetAsset(symbol)
	if err != nil {
		return nil, err
	}
	a, ok := s.assets[asset.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotEnabled, asset.Symbol)
	}
	return a, nil
}

// resume starts watching the pending and paid payments of the enabled
// assets that are not watched yet.
func (s *service) resume(ctx context.Context) (int, error) {
	payments, err := s.repoManager.Payments().GetByStatus(
		ctx, domain.PaymentPending, domain.PaymentPaid,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to get payments to watch: %w", err)
	}

	count := 0
	for _, p := range payments {
		a, ok := s.assets[p.Symbol]
		if !ok || s.watchers.has(p.UUID) {
			continue
		}
		if s.watch(a, p) {
			count++
		}
	}
	return count, nil
}

func (s *service) rescan() {
	count, err := s.resume(s.ctx)
	if err != nil {
		log.WithError(err).Warn("rescan failed")
		return
	}
	if count > 0 {
		log.Infof("rescan: watching %d new payments", count)
	}
}

func (s *service) updatePeers() {
	ctx, cancel := context.WithTimeout(s.ctx, peerUpdateTimeout)
	defer cancel()

	g := new(errgroup.Group)
	for symbol, a := range s.assets {
		symbol, chain := symbol, a.chain
		g.Go(func() error {
			if err := chain.UpdatePeers(ctx); err != nil {
				return fmt.Errorf("%s: %w", symbol, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.WithError(err).Warn("failed to update peers")
	}
}

// watch runs a supervised watcher for the payment. A watcher that stops on
// error is restarted from the last persisted state with exponential backoff.
func (s *service) watch(a *assetService, payment domain.Payment) bool {
	if s.ctx.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	if !s.watchers.add(payment.UUID, cancel) {
		cancel()
		return false
	}

	s.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("recovered from panic in watcher of payment %s: %v", payment.UUID, r)
			}
		}()
		defer s.wg.Done()
		defer s.watchers.remove(payment.UUID)
		defer cancel()

		log.Infof("watching payment %s", payment.UUID)
		current := payment
		backoff := time.Duration(0)
		for {
			w := newWatcher(s, a, current)
			err := w.run(ctx)
			if err == nil || ctx.Err() != nil {
				if err == nil {
					s.forget(payment.UUID)
				}
				return
			}

			backoff = restartBackoff(backoff, w.progressed)
			log.WithError(err).Warnf(
				"watcher of payment %s stopped, restarting in %s", payment.UUID, backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			current = *w.snapshot
		}
	}()
	return true
}

func (s *service) forget(uuid string) {
	if err := s.liveStore.WatchedPayments().Delete(context.Background(), uuid); err != nil {
		log.WithError(err).Warnf("failed to remove payment %s from live store", uuid)
	}
}

// notify sends the event in background, notification failures never block
// the watchers.
func (s *service) notify(event ports.InvoiceEvent) {
	if s.notifier == nil {
		return
	}
	go func() {
		if err := s.notifier.Notify(s.ctx, event); err != nil {
			log.WithError(err).Warnf("failed to notify event for invoice %s", event.Invoice.ID)
		}
	}()
}
