// Package types common message payload types.
package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Balance change kinds.
const (
	Deposit    = "deposit"
	Withdrawal = "withdrawal"
)

// Alert levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
)

// Envelope wraps every published message with an HMAC signature so consumers
// can authenticate the producer.
type Envelope struct {
	Signature string          `json:"signature"`
	Message   json.RawMessage `json:"message"`
}

// BalanceChange is one grouped entry of a block event: all transfers of a
// block sharing (currency, transactionHash, outputIndex, from, to, tag,
// status) collapse into one entry with the amounts summed.
type BalanceChange struct {
	Type         string          `json:"type"`
	Currency     string          `json:"currency"`
	TxHash       string          `json:"transactionHash"`
	OutputIndex  uint32          `json:"outputIndex"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to"`
	Tag          string          `json:"tag,omitempty"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	WithdrawalID string          `json:"withdrawalId,omitempty"`
}

// BlockEvent is the per-block report published once a block is fully
// processed. Deposits and internal moves are reported under balances;
// withdrawals confirmed by the block get their own list.
type BlockEvent struct {
	Service              string          `json:"service"`
	Height               int64           `json:"height"`
	Hash                 string          `json:"blockHash"`
	Timestamp            int64           `json:"timestamp"`
	Changes              []BalanceChange `json:"balances"`
	ConfirmedWithdrawals []BalanceChange `json:"confirmedWithdrawals,omitempty"`
}

// Alert is an operator notification: thresholds crossed, sweeps executed,
// engines degraded.
type Alert struct {
	Service string `json:"service"`
	Level   string `json:"level"`
	Message string `json:"message"`
}
