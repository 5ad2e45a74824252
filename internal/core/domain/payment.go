package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentExpired   PaymentStatus = "expired"
)

type PaymentStatus string

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentConfirmed || s == PaymentExpired
}

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentConfirmed, PaymentExpired:
		return true
	default:
		return false
	}
}

// canMoveTo encodes pending -> {paid, expired, confirmed} and paid -> confirmed.
func (s PaymentStatus) canMoveTo(next PaymentStatus) bool {
	switch s {
	case PaymentPending:
		return next == PaymentPaid || next == PaymentExpired || next == PaymentConfirmed
	case PaymentPaid:
		return next == PaymentConfirmed
	default:
		return false
	}
}

type TxOutput struct {
	Index     uint32   `json:"n"`
	Value     int64    `json:"value"`
	Addresses []string `json:"addresses"`
}

// Transaction is the chain transaction as seen by the payment watcher.
// Time is zero while the transaction is unconfirmed.
type Transaction struct {
	Txid          string     `json:"txid"`
	Time          int64      `json:"time,omitempty"`
	Confirmations int64      `json:"confirmations"`
	InstantLock   bool       `json:"instantlock,omitempty"`
	MempoolFee    int64      `json:"mempool_fee,omitempty"`
	VSize         int64      `json:"vsize,omitempty"`
	Outputs       []TxOutput `json:"vout"`
}

// PaidTo returns the sum of the outputs paying the given address.
func (t Transaction) PaidTo(address string) int64 {
	total := int64(0)
	for _, out := range t.Outputs {
		for _, addr := range out.Addresses {
			if addr == address {
				total += out.Value
			}
		}
	}
	return total
}

// EffectiveConfirmations counts an instant-locked transaction as mined once.
func (t Transaction) EffectiveConfirmations() int64 {
	if t.Confirmations == 0 && t.InstantLock {
		return 1
	}
	return t.Confirmations
}

// Tally groups the amounts paid to an address by visibility.
type Tally struct {
	MempoolSats   int64
	ChainSats     int64
	ConfirmedSats int64
}

func NewTally(txs []Transaction, address string, requiredConfirmations int64) Tally {
	var tally Tally
	for _, tx := range txs {
		sats := tx.PaidTo(address)
		if sats == 0 {
			continue
		}
		confirmations := tx.EffectiveConfirmations()

		tally.MempoolSats += sats
		if confirmations > 0 || requiredConfirmations == 0 {
			tally.ChainSats += sats
		}
		if confirmations >= requiredConfirmations {
			tally.ConfirmedSats += sats
		}
	}
	return tally
}

type Payment struct {
	UUID              string
	Symbol            string
	InvoiceID         string
	Address           string
	ScriptHash        string
	AmountSats        int64
	CreationDate      time.Time
	CreationHeight    int64
	ExpiryDate        time.Time
	DerivationPath    string
	DerivationAccount uint32
	DerivationIndex   uint32

	Status         PaymentStatus
	PaidAmountSats int64
	PaymentDate    time.Time
	LastUpdate     int64
	Transactions   []Transaction
}

func NewPayment(
	symbol, invoiceID, address, scripthash string, amountSats int64,
	creationHeight int64, expiryDate time.Time,
	derivationPath string, account, index uint32,
) (*Payment, error) {
	if len(symbol) <= 0 {
		return nil, fmt.Errorf("missing symbol")
	}
	if len(address) <= 0 {
		return nil, fmt.Errorf("missing address")
	}
	if len(scripthash) != 64 {
		return nil, fmt.Errorf("invalid scripthash length %d", len(scripthash))
	}
	if amountSats <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	now := time.Now().UTC()
	if !expiryDate.After(now) {
		return nil, fmt.Errorf("expiry date must be in the future")
	}

	return &Payment{
		UUID:              uuid.New().String(),
		Symbol:            symbol,
		InvoiceID:         invoiceID,
		Address:           address,
		ScriptHash:        scripthash,
		AmountSats:        amountSats,
		CreationDate:      now,
		CreationHeight:    creationHeight,
		ExpiryDate:        expiryDate.UTC(),
		DerivationPath:    derivationPath,
		DerivationAccount: account,
		DerivationIndex:   index,
		Status:            PaymentPending,
		LastUpdate:        now.Unix(),
	}, nil
}

func (p *Payment) IsPending() bool {
	return p.Status == PaymentPending
}

func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}

func (p *Payment) IsExpired(now time.Time) bool {
	return now.After(p.ExpiryDate)
}

// Expire moves a pending payment past its expiry date to expired.
func (p *Payment) Expire(now time.Time) bool {
	if !p.IsPending() || !p.IsExpired(now) {
		return false
	}
	p.Status = PaymentExpired
	p.LastUpdate = now.Unix()
	return true
}

func (p *Payment) MarkPaid(paidSats int64, now time.Time) error {
	return p.moveTo(PaymentPaid, paidSats, now)
}

func (p *Payment) Confirm(paidSats int64, now time.Time) error {
	return p.moveTo(PaymentConfirmed, paidSats, now)
}

func (p *Payment) moveTo(status PaymentStatus, paidSats int64, now time.Time) error {
	if p.Status == status {
		return nil
	}
	if !p.Status.canMoveTo(status) {
		return fmt.Errorf("payment %s cannot move from %s to %s", p.UUID, p.Status, status)
	}

	p.Status = status
	if p.PaymentDate.IsZero() {
		p.PaymentDate = now.UTC()
	}
	if p.PaidAmountSats == 0 {
		p.PaidAmountSats = paidSats
	}
	p.LastUpdate = now.Unix()
	return nil
}

// Apply evaluates the status transitions for the given tally and reports
// whether the payment still needs to wait for confirmations.
func (p *Payment) Apply(tally Tally, now time.Time) bool {
	if p.IsTerminal() {
		return false
	}
	if p.Expire(now) {
		return false
	}

	awaitingConfirmations := true
	if tally.ConfirmedSats >= p.AmountSats {
		awaitingConfirmations = false
		_ = p.Confirm(tally.MempoolSats, now)
	}
	if tally.MempoolSats >= p.AmountSats && p.IsPending() {
		_ = p.MarkPaid(tally.MempoolSats, now)
	}
	return awaitingConfirmations
}

// NeedsMempool reports whether mempool notifications can still change the
// outcome. Once the sats mined to the address cover the amount, only new
// blocks matter.
func (p *Payment) NeedsMempool(tally Tally) bool {
	return !p.IsTerminal() && tally.ChainSats < p.AmountSats
}

// Diff returns the names of the mutable fields that differ from the given
// snapshot.
func (p *Payment) Diff(snapshot *Payment) []string {
	if snapshot == nil {
		return []string{"*"}
	}
	changes := make([]string, 0)
	if p.Status != snapshot.Status {
		changes = append(changes, "status")
	}
	if p.PaidAmountSats != snapshot.PaidAmountSats {
		changes = append(changes, "paid_amount_sats")
	}
	if !p.PaymentDate.Equal(snapshot.PaymentDate) {
		changes = append(changes, "payment_date")
	}
	if p.LastUpdate != snapshot.LastUpdate {
		changes = append(changes, "last_update")
	}
	if !sameTransactions(p.Transactions, snapshot.Transactions) {
		changes = append(changes, "transactions")
	}
	return changes
}

func (p *Payment) Clone() *Payment {
	clone := *p
	if p.Transactions != nil {
		clone.Transactions = make([]Transaction, len(p.Transactions))
		for i, tx := range p.Transactions {
			clone.Transactions[i] = tx
			clone.Transactions[i].Outputs = append([]TxOutput{}, tx.Outputs...)
		}
	}
	return &clone
}

func (p *Payment) SerializeTransactions() (string, error) {
	if len(p.Transactions) <= 0 {
		return "[]", nil
	}
	buf, err := json.Marshal(p.Transactions)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (p *Payment) DeserializeTransactions(data string) error {
	if len(data) <= 0 {
		p.Transactions = nil
		return nil
	}
	var txs []Transaction
	if err := json.Unmarshal([]byte(data), &txs); err != nil {
		return fmt.Errorf("invalid transactions for payment %s: %w", p.UUID, err)
	}
	p.Transactions = txs
	return nil
}

func sameTransactions(a, b []Transaction) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	bufA, errA := json.Marshal(a)
	bufB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(bufA) == string(bufB)
}
