package common

import (
	"crypto/sha256"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

const SatsPerCoin = 1e8

// AddressToScript decodes the address with the asset rules and returns its
// output script.
func (a Asset) AddressToScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, a.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid %s address %s: %w", a.Symbol, address, err)
	}
	if !addr.IsForNet(a.Params) {
		return nil, fmt.Errorf("address %s is not for network %s", address, a.Params.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// ScriptHash returns the electrum scripthash of the given address.
func (a Asset) ScriptHash(address string) (string, error) {
	script, err := a.AddressToScript(address)
	if err != nil {
		return "", err
	}
	return ScriptHashFromScript(script), nil
}

// ScriptHashFromScript is the sha256 of the script in reversed byte order,
// hex encoded.
func ScriptHashFromScript(script []byte) string {
	return chainhash.Hash(sha256.Sum256(script)).String()
}

// ToSats converts a coin denominated amount, as returned by electrum servers,
// to satoshis.
func ToSats(coins float64) int64 {
	return int64(math.Round(coins * SatsPerCoin))
}

func FromSats(sats int64) float64 {
	return float64(sats) / SatsPerCoin
}

// FeeRateFromEstimate converts a coin/kB estimate to sat/vbyte.
func FeeRateFromEstimate(coinsPerKb float64) float64 {
	return coinsPerKb * SatsPerCoin / 1000
}
