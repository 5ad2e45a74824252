package electrum

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
)

type chainService struct {
	client *Client
}

// NewChainService returns the typed chain view of the given client.
func NewChainService(client *Client) ports.ChainService {
	return &chainService{client}
}

func (c *chainService) Symbol() string {
	return c.client.Symbol()
}

func (c *chainService) SubscribeHeaders(
	ctx context.Context, queue *ports.Queue,
) (*ports.BlockHeader, error) {
	result, err := c.client.Subscribe(ctx, methodHeadersSubscribe, nil, queue)
	if err != nil {
		return nil, err
	}
	return decodeHeader(c.client.Host(), result)
}

func (c *chainService) ParseHeader(notification ports.Notification) (*ports.BlockHeader, error) {
	if notification.Method != methodHeadersSubscribe {
		return nil, fmt.Errorf("unexpected notification %s", notification.Method)
	}
	if err := validateHeader(nil, notification.Result); err != nil {
		return nil, &ProtocolError{
			Host: c.client.Host(), Method: methodHeadersSubscribe, Reason: err.Error(),
		}
	}
	return decodeHeader(c.client.Host(), notification.Result)
}

func (c *chainService) SubscribeScriptHash(
	ctx context.Context, scripthash string, queue *ports.Queue,
) (string, error) {
	result, err := c.client.Subscribe(ctx, methodScriptHashSubscribe, []any{scripthash}, queue)
	if err != nil {
		return "", err
	}
	var status *string
	if err := json.Unmarshal(result, &status); err != nil {
		return "", err
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

func (c *chainService) Unsubscribe(queue *ports.Queue) {
	c.client.Unsubscribe(queue)
}

func (c *chainService) GetHistory(
	ctx context.Context, scripthash string,
) ([]ports.HistoryItem, error) {
	result, err := c.client.Call(ctx, methodScriptHashHistory, []any{scripthash})
	if err != nil {
		return nil, err
	}
	history := make([]ports.HistoryItem, 0)
	if err := json.Unmarshal(result, &history); err != nil {
		return nil, fmt.Errorf("failed to decode history of %s: %w", scripthash, err)
	}
	return history, nil
}

func (c *chainService) ListUnspent(ctx context.Context, scripthash string) ([]ports.Utxo, error) {
	result, err := c.client.Call(ctx, methodScriptHashUnspent, []any{scripthash})
	if err != nil {
		return nil, err
	}
	utxos := make([]ports.Utxo, 0)
	if err := json.Unmarshal(result, &utxos); err != nil {
		return nil, fmt.Errorf("failed to decode utxos of %s: %w", scripthash, err)
	}
	return utxos, nil
}

type verboseOutput struct {
	Value        float64 `json:"value"`
	N            uint32  `json:"n"`
	ScriptPubKey struct {
		Address   string   `json:"address"`
		Addresses []string `json:"addresses"`
	} `json:"scriptPubKey"`
}

type verboseTransaction struct {
	Txid          string          `json:"txid"`
	Time          int64           `json:"time"`
	Confirmations int64           `json:"confirmations"`
	InstantLock   bool            `json:"instantlock"`
	Size          int64           `json:"size"`
	VSize         int64           `json:"vsize"`
	Vout          []verboseOutput `json:"vout"`
}

func (c *chainService) GetTransaction(ctx context.Context, txid string) (*domain.Transaction, error) {
	result, err := c.client.Call(ctx, methodTransactionGet, []any{txid, true})
	if err != nil {
		return nil, err
	}

	var verbose verboseTransaction
	if err := json.Unmarshal(result, &verbose); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", txid, err)
	}
	if len(verbose.Txid) <= 0 {
		verbose.Txid = txid
	}

	tx := &domain.Transaction{
		Txid:          verbose.Txid,
		Time:          verbose.Time,
		Confirmations: verbose.Confirmations,
		InstantLock:   verbose.InstantLock,
		VSize:         verbose.VSize,
		Outputs:       make([]domain.TxOutput, 0, len(verbose.Vout)),
	}
	if tx.VSize <= 0 {
		tx.VSize = verbose.Size
	}
	for _, out := range verbose.Vout {
		addresses := out.ScriptPubKey.Addresses
		if len(addresses) <= 0 && len(out.ScriptPubKey.Address) > 0 {
			addresses = []string{out.ScriptPubKey.Address}
		}
		tx.Outputs = append(tx.Outputs, domain.TxOutput{
			Index:     out.N,
			Value:     common.ToSats(out.Value),
			Addresses: addresses,
		})
	}
	return tx, nil
}

func (c *chainService) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	result, err := c.client.Call(ctx, methodTransactionGet, []any{txid})
	if err != nil {
		return "", err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return "", err
	}
	return raw, nil
}

func (c *chainService) Broadcast(ctx context.Context, rawTx string) (string, error) {
	result, err := c.client.Call(ctx, methodTransactionBroadcast, []any{rawTx})
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (c *chainService) EstimateFee(ctx context.Context, blocks int) (float64, error) {
	return c.callFee(ctx, methodEstimateFee, []any{blocks})
}

func (c *chainService) RelayFee(ctx context.Context) (float64, error) {
	return c.callFee(ctx, methodRelayFee, nil)
}

func (c *chainService) callFee(ctx context.Context, method string, params []any) (float64, error) {
	result, err := c.client.Call(ctx, method, params)
	if err != nil {
		return 0, err
	}
	var fee float64
	if err := json.Unmarshal(result, &fee); err != nil {
		return 0, err
	}
	return fee, nil
}

func (c *chainService) Penalize(ctx context.Context) {
	c.client.Penalize(ctx)
}

func (c *chainService) UpdatePeers(ctx context.Context) error {
	return c.client.UpdatePeers(ctx)
}

func (c *chainService) Close() {
	c.client.Close()
}

func decodeHeader(host string, result json.RawMessage) (*ports.BlockHeader, error) {
	var header ports.BlockHeader
	if err := json.Unmarshal(result, &header); err != nil {
		return nil, &ProtocolError{Host: host, Method: methodHeadersSubscribe, Reason: err.Error()}
	}
	return &header, nil
}
