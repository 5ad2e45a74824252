package common

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Asset is the parameter record of one coin on one network.
type Asset struct {
	Symbol      string
	Name        string
	Testnet     bool
	TCPPort     int
	TLSPort     int
	BIP21Scheme string
	// InstantLock is set for chains whose transactions can be final before
	// being mined.
	InstantLock bool
	Params      *chaincfg.Params
}

// SupportsSegwit reports whether native segwit addresses can be derived.
func (a Asset) SupportsSegwit() bool {
	return len(a.Params.Bech32HRPSegwit) > 0
}

var (
	LitecoinParams        = newParams(chaincfg.MainNetParams, "litecoin", 0xdbb6c0fb, 48, 50, 176, "ltc", 2)
	LitecoinTestNetParams = newParams(chaincfg.TestNet3Params, "litecoin-testnet4", 0xf1c8d2fd, 111, 58, 239, "tltc", 1)
	DashParams            = newParams(chaincfg.MainNetParams, "dash", 0xbd6b0cbf, 76, 16, 204, "", 5)
	DashTestNetParams     = newParams(chaincfg.TestNet3Params, "dash-testnet", 0xffcae2ce, 140, 19, 239, "", 1)
)

var assets = map[string]Asset{
	"BTC": {
		Symbol: "BTC", Name: "Bitcoin", TCPPort: 50001, TLSPort: 50002,
		BIP21Scheme: "bitcoin", Params: &chaincfg.MainNetParams,
	},
	"tBTC": {
		Symbol: "tBTC", Name: "Bitcoin Testnet", Testnet: true, TCPPort: 60001, TLSPort: 60002,
		BIP21Scheme: "bitcoin", Params: &chaincfg.TestNet3Params,
	},
	"LTC": {
		Symbol: "LTC", Name: "Litecoin", TCPPort: 50001, TLSPort: 50002,
		BIP21Scheme: "litecoin", Params: LitecoinParams,
	},
	"tLTC": {
		Symbol: "tLTC", Name: "Litecoin Testnet", Testnet: true, TCPPort: 51001, TLSPort: 51002,
		BIP21Scheme: "litecoin", Params: LitecoinTestNetParams,
	},
	"DASH": {
		Symbol: "DASH", Name: "Dash", TCPPort: 50001, TLSPort: 50002,
		BIP21Scheme: "dash", InstantLock: true, Params: DashParams,
	},
	"tDASH": {
		Symbol: "tDASH", Name: "Dash Testnet", Testnet: true, TCPPort: 51001, TLSPort: 51002,
		BIP21Scheme: "dash", InstantLock: true, Params: DashTestNetParams,
	},
}

var (
	ErrUnknownAsset     = errors.New("unknown asset")
	ErrUnsupportedAsset = errors.New("unsupported asset")
)

// unsupportedAssets are known Electrum coins whose addresses can't be
// mapped to scripts.
var unsupportedAssets = map[string]string{
	"BCH":  "cashaddr addresses are not supported",
	"tBCH": "cashaddr addresses are not supported",
}

func init() {
	for _, params := range []*chaincfg.Params{
		LitecoinParams, LitecoinTestNetParams, DashParams, DashTestNetParams,
	} {
		if err := chaincfg.Register(params); err != nil &&
			!errors.Is(err, chaincfg.ErrDuplicateNet) {
			panic(fmt.Sprintf("failed to register %s params: %s", params.Name, err))
		}
	}
}

// GetAsset returns the parameters for the given symbol, ignoring the case of
// everything but the lowercase testnet prefix.
func GetAsset(symbol string) (Asset, error) {
	if asset, ok := assets[symbol]; ok {
		return asset, nil
	}
	if len(symbol) > 1 && symbol[0] == 't' {
		if asset, ok := assets["t"+strings.ToUpper(symbol[1:])]; ok {
			return asset, nil
		}
	}
	if asset, ok := assets[strings.ToUpper(symbol)]; ok {
		return asset, nil
	}
	for known, reason := range unsupportedAssets {
		if strings.EqualFold(known, symbol) {
			return Asset{}, fmt.Errorf("%w %s: %s", ErrUnsupportedAsset, known, reason)
		}
	}
	return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
}

// SupportedAssets returns the sorted list of known symbols.
func SupportedAssets() []string {
	symbols := make([]string, 0, len(assets))
	for symbol := range assets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func newParams(
	base chaincfg.Params, name string, net uint32,
	p2pkh, p2sh, wif byte, hrp string, coinType uint32,
) *chaincfg.Params {
	params := base
	params.Name = name
	params.Net = wire.BitcoinNet(net)
	params.PubKeyHashAddrID = p2pkh
	params.ScriptHashAddrID = p2sh
	params.PrivateKeyID = wif
	params.Bech32HRPSegwit = hrp
	params.HDCoinType = coinType
	params.DNSSeeds = nil
	params.Checkpoints = nil
	return &params
}
