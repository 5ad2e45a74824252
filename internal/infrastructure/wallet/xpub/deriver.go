package xpub

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tuxpay/tuxpay/internal/core/ports"
	"github.com/tuxpay/tuxpay/pkg/common"
)

const (
	purposeSegwit = 84
	purposeLegacy = 44
)

type deriver struct {
	asset  common.Asset
	key    *hdkeychain.ExtendedKey
	path   string
	segwit bool
}

// NewAddressDeriver returns a deriver for the given account-level extended
// public key. Addresses are derived at <key>/<account>/<index>, native segwit
// when the asset supports it.
// The path is informational and defaults to the BIP84 (or BIP44) account 0
// path of the asset.
func NewAddressDeriver(asset common.Asset, xpub, path string) (ports.AddressDeriver, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("invalid extended key: %w", err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("extended key must be public")
	}

	segwit := asset.SupportsSegwit()
	if len(path) <= 0 {
		path = DefaultDerivationPath(asset)
	}
	return &deriver{asset, key, path, segwit}, nil
}

// DefaultDerivationPath returns the account 0 path for the asset, using coin
// type 1 on testnets.
func DefaultDerivationPath(asset common.Asset) string {
	purpose := purposeLegacy
	if asset.SupportsSegwit() {
		purpose = purposeSegwit
	}
	coinType := asset.Params.HDCoinType
	if asset.Testnet {
		coinType = 1
	}
	return fmt.Sprintf("m/%dh/%dh/0h", purpose, coinType)
}

func (d *deriver) DerivationPath() string {
	return d.path
}

func (d *deriver) DeriveAddress(account, index uint32) (string, error) {
	if account >= hdkeychain.HardenedKeyStart || index >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("cannot derive hardened child from public key")
	}

	branch, err := d.key.Derive(account)
	if err != nil {
		return "", fmt.Errorf("failed to derive account %d: %w", account, err)
	}
	child, err := branch.Derive(index)
	if err != nil {
		return "", fmt.Errorf("failed to derive index %d: %w", index, err)
	}
	pubkey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	addr, err := d.addressFromPubkey(pubkey)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (d *deriver) addressFromPubkey(pubkey *btcec.PublicKey) (btcutil.Address, error) {
	hash := btcutil.Hash160(pubkey.SerializeCompressed())
	if d.segwit {
		return btcutil.NewAddressWitnessPubKeyHash(hash, d.asset.Params)
	}
	return btcutil.NewAddressPubKeyHash(hash, d.asset.Params)
}
