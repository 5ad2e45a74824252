package application

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/internal/infrastructure/db"
	inmemory "github.com/tuxpay/tuxpay/internal/infrastructure/live-store/inmemory"
	scheduler "github.com/tuxpay/tuxpay/internal/infrastructure/scheduler/gocron"
	"github.com/tuxpay/tuxpay/internal/infrastructure/wallet/xpub"
	"github.com/tuxpay/tuxpay/pkg/common"
)

// BIP84 account 0 of the "abandon ... about" mnemonic.
const (
	zpub     = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"
	address0 = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"
	address1 = "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"

	txidA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	txidB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeChain struct {
	lock         sync.Mutex
	height       int64
	history      map[string][]ports.HistoryItem
	txs          map[string]domain.Transaction
	headerQueues []*ports.Queue
	shQueues     map[string][]*ports.Queue
	feeEstimate  float64
	feeCalls     int
	noServers    bool
	penalized    int
	peerUpdates  int
	closed       bool
}

func newFakeChain(height int64) *fakeChain {
	return &fakeChain{
		height:      height,
		history:     make(map[string][]ports.HistoryItem),
		txs:         make(map[string]domain.Transaction),
		shQueues:    make(map[string][]*ports.Queue),
		feeEstimate: 0.0001,
	}
}

func (c *fakeChain) errNoServers() error {
	return fmt.Errorf("%w: BTC", ports.ErrNoServers)
}

func (c *fakeChain) Symbol() string { return "BTC" }

func (c *fakeChain) SubscribeHeaders(_ context.Context, queue *ports.Queue) (*ports.BlockHeader, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.noServers {
		return nil, c.errNoServers()
	}
	c.headerQueues = append(c.headerQueues, queue)
	return &ports.BlockHeader{Height: c.height, Hex: "00"}, nil
}

func (c *fakeChain) ParseHeader(notification ports.Notification) (*ports.BlockHeader, error) {
	var header ports.BlockHeader
	if err := json.Unmarshal(notification.Result, &header); err != nil {
		return nil, err
	}
	if header.Height < 0 || len(header.Hex) <= 0 {
		return nil, fmt.Errorf("invalid header")
	}
	return &header, nil
}

func (c *fakeChain) SubscribeScriptHash(
	_ context.Context, scripthash string, queue *ports.Queue,
) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.noServers {
		return "", c.errNoServers()
	}
	c.shQueues[scripthash] = append(c.shQueues[scripthash], queue)
	return "", nil
}

func (c *fakeChain) Unsubscribe(queue *ports.Queue) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for sh, queues := range c.shQueues {
		c.shQueues[sh] = removeQueue(queues, queue)
	}
	c.headerQueues = removeQueue(c.headerQueues, queue)
}

func (c *fakeChain) GetHistory(_ context.Context, scripthash string) ([]ports.HistoryItem, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.noServers {
		return nil, c.errNoServers()
	}
	return append([]ports.HistoryItem{}, c.history[scripthash]...), nil
}

func (c *fakeChain) ListUnspent(context.Context, string) ([]ports.Utxo, error) {
	return nil, nil
}

func (c *fakeChain) GetTransaction(_ context.Context, txid string) (*domain.Transaction, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.noServers {
		return nil, c.errNoServers()
	}
	tx, ok := c.txs[txid]
	if !ok {
		return nil, fmt.Errorf("tx %s not found", txid)
	}
	return &tx, nil
}

func (c *fakeChain) GetRawTransaction(context.Context, string) (string, error) {
	return "", nil
}

func (c *fakeChain) Broadcast(context.Context, string) (string, error) {
	return "", nil
}

func (c *fakeChain) EstimateFee(context.Context, int) (float64, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.feeCalls++
	if c.noServers {
		return 0, c.errNoServers()
	}
	return c.feeEstimate, nil
}

func (c *fakeChain) RelayFee(context.Context) (float64, error) {
	return 0.00001, nil
}

func (c *fakeChain) Penalize(context.Context) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.penalized++
}

func (c *fakeChain) UpdatePeers(context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.peerUpdates++
	return nil
}

func (c *fakeChain) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closed = true
}

// setTx adds or replaces a transaction in the history of the scripthash.
func (c *fakeChain) setTx(scripthash string, tx domain.Transaction, fee *int64) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.txs[tx.Txid] = tx
	height := int64(0)
	if tx.Confirmations > 0 {
		height = c.height - tx.Confirmations + 1
	}
	item := ports.HistoryItem{TxHash: tx.Txid, Height: height, Fee: fee}
	for i, h := range c.history[scripthash] {
		if h.TxHash == tx.Txid {
			c.history[scripthash][i] = item
			return
		}
	}
	c.history[scripthash] = append(c.history[scripthash], item)
}

func (c *fakeChain) notifyScriptHash(scripthash string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	params, _ := json.Marshal(scripthash)
	result, _ := json.Marshal(fmt.Sprintf("%064d", c.height))
	for _, q := range c.shQueues[scripthash] {
		q.Push(ports.Notification{
			Method: "blockchain.scripthash.subscribe",
			Params: []json.RawMessage{params, result},
			Result: result,
		})
	}
}

func (c *fakeChain) pushHeader(header ports.BlockHeader) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if header.Height > c.height {
		c.height = header.Height
	}
	result, _ := json.Marshal(header)
	for _, q := range c.headerQueues {
		q.Push(ports.Notification{
			Method: "blockchain.headers.subscribe",
			Params: []json.RawMessage{result},
			Result: result,
		})
	}
}

func (c *fakeChain) subscribers(scripthash string) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.shQueues[scripthash])
}

func (c *fakeChain) setNoServers(noServers bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.noServers = noServers
}

func removeQueue(queues []*ports.Queue, queue *ports.Queue) []*ports.Queue {
	out := queues[:0]
	for _, q := range queues {
		if q != queue {
			out = append(out, q)
		}
	}
	return out
}

type recordingNotifier struct {
	lock   sync.Mutex
	events []ports.InvoiceEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event ports.InvoiceEvent) error {
	n.lock.Lock()
	defer n.lock.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) statuses() []domain.InvoiceStatus {
	n.lock.Lock()
	defer n.lock.Unlock()
	statuses := make([]domain.InvoiceStatus, 0, len(n.events))
	for _, e := range n.events {
		statuses = append(statuses, e.Invoice.Status)
	}
	return statuses
}

type testEnv struct {
	svc      *service
	chain    *fakeChain
	notifier *recordingNotifier
	asset    common.Asset
}

func newTestEnv(t *testing.T, requiredConfirmations int64) *testEnv {
	asset, err := common.GetAsset("BTC")
	require.NoError(t, err)
	deriver, err := xpub.NewAddressDeriver(asset, zpub, "")
	require.NoError(t, err)

	repoManager, err := db.NewService(db.ServiceConfig{
		DataStoreType:   "badger",
		DataStoreConfig: []interface{}{"", nil},
	})
	require.NoError(t, err)

	chain := newFakeChain(100)
	notifier := &recordingNotifier{}
	svc, err := NewService(
		Config{
			Assets: []AssetConfig{{
				Asset:                 asset,
				RequiredConfirmations: requiredConfirmations,
				PaymentExpiry:         15 * time.Minute,
				FallbackFeeRate:       2,
				Chain:                 chain,
				Deriver:               deriver,
			}},
		},
		repoManager, inmemory.NewLiveStore(), scheduler.NewScheduler(), notifier,
	)
	require.NoError(t, err)

	env := &testEnv{svc.(*service), chain, notifier, asset}
	env.svc.assets["BTC"].tip.pollInterval = 10 * time.Millisecond
	t.Cleanup(env.svc.Stop)
	return env
}

func (e *testEnv) assetService() *assetService {
	return e.svc.assets["BTC"]
}

// addPayment persists a pending payment to address0 without watching it.
func (e *testEnv) addPayment(t *testing.T, amount int64, invoiceID string) *domain.Payment {
	scripthash, err := e.asset.ScriptHash(address0)
	require.NoError(t, err)
	payment, err := domain.NewPayment(
		"BTC", invoiceID, address0, scripthash, amount, 100,
		time.Now().Add(15*time.Minute), "m/84h/0h/0h", 0, 0,
	)
	require.NoError(t, err)
	require.NoError(t, e.svc.repoManager.Payments().Add(context.Background(), *payment))
	return payment
}

func (e *testEnv) addInvoice(t *testing.T) *domain.Invoice {
	invoice, err := e.svc.CreateInvoice(
		context.Background(), "order #1", "alice@example.com", 2500, "EUR", time.Hour,
	)
	require.NoError(t, err)
	return invoice
}

func (e *testEnv) getPayment(t *testing.T, uuid string) *domain.Payment {
	payment, err := e.svc.repoManager.Payments().Get(context.Background(), uuid)
	require.NoError(t, err)
	return payment
}

func payingTx(txid, address string, sats, confirmations, blockTime int64) domain.Transaction {
	return domain.Transaction{
		Txid:          txid,
		Time:          blockTime,
		Confirmations: confirmations,
		VSize:         141,
		Outputs: []domain.TxOutput{
			{Index: 0, Value: sats, Addresses: []string{address}},
			{Index: 1, Value: 5000, Addresses: []string{"bc1qchange"}},
		},
	}
}
