package application

import (
	"context"
	"time"

	"github.com/tuxpay/tuxpay/internal/core/domain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
)

type Service interface {
	Start() error
	Stop()
	CreateInvoice(
		ctx context.Context, name, customerEmail string, amountCents int64, currency string,
		expiry time.Duration,
	) (*domain.Invoice, error)
	CreatePayment(
		ctx context.Context, invoiceID, symbol string, amountSats int64,
	) (*domain.Payment, error)
	GetPayment(ctx context.Context, uuid string) (*domain.Payment, error)
	WatchedPayment(ctx context.Context, uuid string) (*domain.Payment, error)
	CurrentHeight(ctx context.Context, symbol string) (int64, error)
	// FeeRate returns the next-block fee rate in sat/vbyte.
	FeeRate(ctx context.Context, symbol string) (float64, error)
}

// AssetConfig groups what is needed to accept payments for one asset.
type AssetConfig struct {
	Asset                 common.Asset
	RequiredConfirmations int64
	PaymentExpiry         time.Duration
	FallbackFeeRate       float64
	DerivationAccount     uint32

	Chain   ports.ChainService
	Deriver ports.AddressDeriver
}

type Config struct {
	Assets             []AssetConfig
	PeerUpdateInterval time.Duration
	RescanInterval     time.Duration
}
