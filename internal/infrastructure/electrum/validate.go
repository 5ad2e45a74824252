package electrum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	methodTransactionGet       = "blockchain.transaction.get"
	methodTransactionBroadcast = "blockchain.transaction.broadcast"
	methodHeadersSubscribe     = "blockchain.headers.subscribe"
	methodScriptHashSubscribe  = "blockchain.scripthash.subscribe"
	methodScriptHashHistory    = "blockchain.scripthash.get_history"
	methodScriptHashUnspent    = "blockchain.scripthash.listunspent"
	methodRelayFee             = "blockchain.relayfee"
	methodEstimateFee          = "blockchain.estimatefee"
	methodPeersSubscribe       = "server.peers.subscribe"
	methodPing                 = "server.ping"
	methodVersion              = "server.version"
)

// validator checks that a result is structurally plausible. Servers are not
// trusted, a failing check gets the server penalized.
type validator func(params []any, result json.RawMessage) error

var validators = map[string]validator{
	methodTransactionGet:       validateTransaction,
	methodTransactionBroadcast: validateTxid,
	methodHeadersSubscribe:     validateHeader,
	methodScriptHashSubscribe:  validateScriptHashStatus,
	methodScriptHashHistory:    validateHistory,
	methodScriptHashUnspent:    validateUnspent,
	methodRelayFee:             validateFee,
	methodEstimateFee:          validateFee,
	methodPeersSubscribe:       validatePeers,
	methodPing:                 validateNull,
	methodVersion:              validateVersion,
}

// validateResult returns whether the method has a validator and, if so, the
// outcome of the check.
func validateResult(method string, params []any, result json.RawMessage) (bool, error) {
	validate, ok := validators[method]
	if !ok {
		return false, nil
	}
	return true, validate(params, result)
}

func validateTransaction(params []any, result json.RawMessage) error {
	verbose := false
	if len(params) > 1 {
		verbose, _ = params[1].(bool)
	}

	if !verbose {
		var raw string
		if err := json.Unmarshal(result, &raw); err != nil {
			return fmt.Errorf("expected raw transaction string: %w", err)
		}
		if len(raw) <= 20 {
			return fmt.Errorf("raw transaction too short")
		}
		if _, err := hex.DecodeString(raw); err != nil {
			return fmt.Errorf("raw transaction is not hex: %w", err)
		}
		return nil
	}

	var tx struct {
		Vout []map[string]json.RawMessage `json:"vout"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return fmt.Errorf("expected verbose transaction: %w", err)
	}
	if tx.Vout == nil {
		return fmt.Errorf("missing vout")
	}
	for i, out := range tx.Vout {
		value, ok := out["value"]
		if !ok {
			return fmt.Errorf("missing value in output %d", i)
		}
		var amount float64
		if err := json.Unmarshal(value, &amount); err != nil || amount < 0 {
			return fmt.Errorf("invalid value in output %d", i)
		}
	}
	return nil
}

func validateTxid(_ []any, result json.RawMessage) error {
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return fmt.Errorf("expected txid string: %w", err)
	}
	return validateHash(txid)
}

func validateHeader(_ []any, result json.RawMessage) error {
	var header struct {
		Height *int64  `json:"height"`
		Hex    *string `json:"hex"`
	}
	if err := json.Unmarshal(result, &header); err != nil {
		return fmt.Errorf("expected header object: %w", err)
	}
	if header.Height == nil {
		return fmt.Errorf("missing height")
	}
	if *header.Height < 0 {
		return fmt.Errorf("negative height %d", *header.Height)
	}
	if header.Hex == nil {
		return fmt.Errorf("missing hex")
	}
	return nil
}

func validateScriptHashStatus(_ []any, result json.RawMessage) error {
	var status *string
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("expected status string or null: %w", err)
	}
	if status == nil {
		return nil
	}
	return validateHash(*status)
}

func validateHistory(_ []any, result json.RawMessage) error {
	var history []map[string]json.RawMessage
	if err := json.Unmarshal(result, &history); err != nil {
		return fmt.Errorf("expected history list: %w", err)
	}
	for i, entry := range history {
		if err := validateEntryHash(entry); err != nil {
			return fmt.Errorf("history entry %d: %w", i, err)
		}
		_, hasFee := entry["fee"]
		_, hasHeight := entry["height"]
		if !hasFee && !hasHeight {
			return fmt.Errorf("history entry %d: missing fee or height", i)
		}
	}
	return nil
}

func validateUnspent(_ []any, result json.RawMessage) error {
	var unspents []map[string]json.RawMessage
	if err := json.Unmarshal(result, &unspents); err != nil {
		return fmt.Errorf("expected unspent list: %w", err)
	}
	for i, entry := range unspents {
		if err := validateEntryHash(entry); err != nil {
			return fmt.Errorf("unspent entry %d: %w", i, err)
		}
		for _, field := range []string{"tx_pos", "value", "height"} {
			raw, ok := entry[field]
			if !ok {
				return fmt.Errorf("unspent entry %d: missing %s", i, field)
			}
			var value int64
			if err := json.Unmarshal(raw, &value); err != nil || value < 0 {
				return fmt.Errorf("unspent entry %d: invalid %s", i, field)
			}
		}
	}
	return nil
}

func validateFee(_ []any, result json.RawMessage) error {
	var fee float64
	if err := json.Unmarshal(result, &fee); err != nil {
		return fmt.Errorf("expected fee number: %w", err)
	}
	if fee <= 0 || fee >= 0.1 {
		return fmt.Errorf("fee %v out of range", fee)
	}
	return nil
}

func validatePeers(_ []any, result json.RawMessage) error {
	var peers [][]json.RawMessage
	if err := json.Unmarshal(result, &peers); err != nil {
		return fmt.Errorf("expected peer list: %w", err)
	}
	for i, peer := range peers {
		if len(peer) != 3 {
			return fmt.Errorf("peer %d: expected 3 elements", i)
		}
		var features []any
		if err := json.Unmarshal(peer[2], &features); err != nil {
			return fmt.Errorf("peer %d: expected feature list", i)
		}
	}
	return nil
}

func validateNull(_ []any, result json.RawMessage) error {
	if len(result) > 0 && string(result) != "null" {
		return fmt.Errorf("expected null result")
	}
	return nil
}

func validateVersion(_ []any, result json.RawMessage) error {
	var version []string
	if err := json.Unmarshal(result, &version); err != nil {
		return fmt.Errorf("expected version list: %w", err)
	}
	if len(version) != 2 {
		return fmt.Errorf("expected server and protocol version")
	}
	return nil
}

func validateEntryHash(entry map[string]json.RawMessage) error {
	raw, ok := entry["tx_hash"]
	if !ok {
		return fmt.Errorf("missing tx_hash")
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return fmt.Errorf("invalid tx_hash")
	}
	return validateHash(txid)
}

func validateHash(hash string) error {
	if len(hash) != chainhash.MaxHashStringSize {
		return fmt.Errorf("invalid hash length %d", len(hash))
	}
	if _, err := chainhash.NewHashFromStr(hash); err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	return nil
}
