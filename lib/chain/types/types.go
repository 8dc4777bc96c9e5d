// Package types common blockchain types.
package types

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Token is a token contract an adapter can read transfers from and send to.
type Token struct {
	Symbol   string `json:"symbol"`
	Contract string `json:"contract"`
	Decimals uint8  `json:"decimals"`
}

// Transfer is one value movement inside a transaction. UTXO transactions
// carry one Transfer per output; account transactions carry exactly one.
type Transfer struct {
	Index    uint32          `json:"index"`
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Contract string          `json:"contract,omitempty"`
	Script   string          `json:"script,omitempty"`
}

// Input references a previous output consumed by a UTXO transaction.
type Input struct {
	TxHash string `json:"txHash"`
	Index  uint32 `json:"index"`
}

// Tx is a normalized transaction. Amounts are already scaled to whole coin
// or token units.
type Tx struct {
	Hash        string          `json:"hash"`
	From        string          `json:"from,omitempty"`
	Inputs      []Input         `json:"inputs,omitempty"`
	Outputs     []Transfer      `json:"outputs"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"feeCurrency"`
	Failed      bool            `json:"failed"`
}

// Block is a normalized block. Timestamp is the block time in unix seconds.
type Block struct {
	Height    int64  `json:"height"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Txs       []Tx   `json:"transactions"`
}

// UTXOInput is a spendable output handed to a UTXO adapter for signing.
type UTXOInput struct {
	TxHash string
	Index  uint32
	Amount decimal.Decimal
	Script string
	Key    []byte
}

// Output is a payment destination handed to a UTXO adapter.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// Error codes.
var (
	ErrNoBlock      = errors.New("block not available yet")
	ErrNoTrx        = errors.New("transaction not found")
	ErrUnsupported  = errors.New("operation not supported by this chain model")
	ErrBadAddress   = errors.New("invalid address for this chain")
	ErrUnknownToken = errors.New("token not registered with this chain client")
)
