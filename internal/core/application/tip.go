package application

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
)

const (
	tipPollInterval = time.Second
	feeTargetBlocks = 1
)

// tipTracker keeps one headers subscription per asset shared by every
// watcher of that asset.
type tipTracker struct {
	chain        ports.ChainService
	fallbackFee  float64
	pollInterval time.Duration

	lock      sync.Mutex
	started   bool
	height    int64
	advanced  chan struct{}
	queue     *ports.Queue
	feeHeight int64
	feeRate   float64
}

func newTipTracker(chain ports.ChainService, fallbackFee float64) *tipTracker {
	return &tipTracker{
		chain:        chain,
		fallbackFee:  fallbackFee,
		pollInterval: tipPollInterval,
		advanced:     make(chan struct{}),
	}
}

// currentHeight subscribes to headers on first use. The subscription
// outlives the caller's context and is bound to the given one instead.
func (t *tipTracker) currentHeight(ctx, listenCtx context.Context) (int64, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.started {
		return t.height, nil
	}

	queue := ports.NewQueue()
	header, err := t.chain.SubscribeHeaders(ctx, queue)
	if err != nil {
		t.chain.Unsubscribe(queue)
		return 0, err
	}
	t.started = true
	t.queue = queue
	t.height = header.Height

	go t.listen(listenCtx)
	return t.height, nil
}

func (t *tipTracker) listen(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("recovered from panic in tip tracker: %v", r)
		}
	}()
	defer t.chain.Unsubscribe(t.queue)

	for {
		notification, err := t.queue.Pop(ctx)
		if err != nil {
			return
		}
		header, err := t.chain.ParseHeader(notification)
		if err != nil {
			log.WithError(err).Warnf("%s: invalid header notification", t.chain.Symbol())
			t.chain.Penalize(ctx)
			continue
		}
		t.setHeight(header.Height)
	}
}

func (t *tipTracker) setHeight(height int64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if height == t.height {
		return
	}
	log.Infof("%s: new block @ %d", t.chain.Symbol(), height)
	t.height = height
	close(t.advanced)
	t.advanced = make(chan struct{})
}

func (t *tipTracker) get() (int64, <-chan struct{}) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.height, t.advanced
}

// waitAdvance blocks until the tip differs from the given height. Pushed
// headers wake it up right away, otherwise the tip is re-checked every
// poll interval.
func (t *tipTracker) waitAdvance(ctx context.Context, from int64) (int64, error) {
	for {
		height, advanced := t.get()
		if height != from {
			return height, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-advanced:
		case <-time.After(t.pollInterval):
		}
	}
}

// currentFeeRate returns the next-block fee rate in sat/vbyte, cached per tip.
// The fallback rate is used when no server can estimate it.
func (t *tipTracker) currentFeeRate(ctx context.Context) (float64, error) {
	height, _ := t.get()

	t.lock.Lock()
	if t.feeHeight == height && t.feeRate > 0 {
		rate := t.feeRate
		t.lock.Unlock()
		return rate, nil
	}
	t.lock.Unlock()

	estimate, err := t.chain.EstimateFee(ctx, feeTargetBlocks)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.WithError(err).Warnf(
			"%s: failed to estimate fee, using fallback rate", t.chain.Symbol(),
		)
		return t.fallbackFee, nil
	}

	rate := common.FeeRateFromEstimate(estimate)
	if rate <= 0 {
		return t.fallbackFee, nil
	}

	t.lock.Lock()
	t.feeHeight = height
	t.feeRate = rate
	t.lock.Unlock()
	return rate, nil
}
