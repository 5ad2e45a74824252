package ports

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

// ErrNoServers is returned once every known server of an asset failed.
var ErrNoServers = errors.New("no electrum servers available")

// Notification is a message pushed by a server for a subscription. Result is
// the last element of Params.
type Notification struct {
	Method string
	Params []json.RawMessage
	Result json.RawMessage
}

type BlockHeader struct {
	Height int64  `json:"height"`
	Hex    string `json:"hex"`
}

type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    *int64 `json:"fee,omitempty"`
}

type Utxo struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Value  int64  `json:"value"`
	Height int64  `json:"height"`
}

// ChainService is the typed view of one asset's electrum servers.
type ChainService interface {
	Symbol() string
	SubscribeHeaders(ctx context.Context, queue *Queue) (*BlockHeader, error)
	ParseHeader(notification Notification) (*BlockHeader, error)
	SubscribeScriptHash(ctx context.Context, scripthash string, queue *Queue) (string, error)
	Unsubscribe(queue *Queue)
	GetHistory(ctx context.Context, scripthash string) ([]HistoryItem, error)
	ListUnspent(ctx context.Context, scripthash string) ([]Utxo, error)
	GetTransaction(ctx context.Context, txid string) (*domain.Transaction, error)
	GetRawTransaction(ctx context.Context, txid string) (string, error)
	Broadcast(ctx context.Context, rawTx string) (string, error)
	EstimateFee(ctx context.Context, blocks int) (float64, error)
	RelayFee(ctx context.Context) (float64, error)
	// Penalize drops the current server after one of its pushed
	// notifications turned out to be invalid.
	Penalize(ctx context.Context)
	UpdatePeers(ctx context.Context) error
	Close()
}
