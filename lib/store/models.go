package store

import (
	"github.com/shopspring/decimal"
)

// Funding types.
const (
	TypeFunding  = "funding"
	TypeMoveFund = "move_fund"
	TypeVirtual  = "virtual"
)

// Funding statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// Withdraw statuses.
const (
	WithdrawInqueue    = "inqueue"
	WithdrawTransfered = "transfered"
	WithdrawSuccess    = "success"
	WithdrawRejected   = "rejected"
)

// Address types.
const (
	AddrUser       = "user"
	AddrSettlement = "settlement"
	AddrCold       = "cold"
)

// Block-event statuses, see DB.SaveBlockEvent.
const (
	EventSuccess = "success"
	EventError   = "error"
)

// SyncBlock is the durability checkpoint of a chain: every block at or below
// Height has been fully processed.
type SyncBlock struct {
	Service string `json:"service"`
	Height  int64  `json:"height"`
}

// Funding is a credit unit: a deposit output, an internal move or a virtual
// change remainder. The sum of unspent fundings per (service, wallet,
// currency) is the authoritative spendable balance.
type Funding struct {
	ID              string          `json:"id"`
	Service         string          `json:"service"`
	TransactionHash string          `json:"transactionHash"`
	OutputIndex     uint32          `json:"outputIndex"`
	Type            string          `json:"type"`
	BlockHeight     int64           `json:"blockHeight"`
	To              string          `json:"to"`
	From            string          `json:"from,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	AddressID       string          `json:"addressId"`
	WalletID        string          `json:"walletId"`
	Script          string          `json:"script,omitempty"`
	Status          string          `json:"status"`
	SpentIn         string          `json:"spentInTransactionHash"`
	IsUsed          bool            `json:"isUsed"`
}

// Withdraw is an external withdrawal request. WithdrawalID is the caller's
// idempotency key: two requests with the same id never produce two rows.
type Withdraw struct {
	Service         string          `json:"service"`
	WithdrawalID    string          `json:"withdrawalId"`
	Address         string          `json:"address"`
	Asset           string          `json:"asset"`
	Tag             string          `json:"tag,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	TransactionHash string          `json:"transactionHash"`
	OutputIndex     uint32          `json:"outputIndex"`
	MinerFee        decimal.Decimal `json:"minerFee"`
	FeeCurrency     string          `json:"feeCurrency"`
	Retries         int             `json:"retries"`
	Signature       string          `json:"signature"`
	IsNotified      bool            `json:"isNotified"`
	ErrorMsg        string          `json:"errorMsg,omitempty"`
}

// MoveFund is an audit record of a sweep transaction written by the
// transporter. Append only.
type MoveFund struct {
	Service         string          `json:"service"`
	Currency        string          `json:"currency"`
	Address         string          `json:"address"`
	Amount          decimal.Decimal `json:"amount"`
	MinerFee        decimal.Decimal `json:"minerFee"`
	FeeCurrency     string          `json:"feeCurrency"`
	Retries         int             `json:"retries"`
	Status          string          `json:"status"`
	TransactionHash string          `json:"transactionHash"`
}

// Distribution is an audit record of a gas top-up sent from the distribution
// wallet. The monitor consults it so internal top-ups are not booked as
// customer deposits.
type Distribution struct {
	Service         string          `json:"service"`
	Currency        string          `json:"currency"`
	Address         string          `json:"address"`
	Amount          decimal.Decimal `json:"amount"`
	MinerFee        decimal.Decimal `json:"minerFee"`
	FeeCurrency     string          `json:"feeCurrency"`
	Status          string          `json:"status"`
	TransactionHash string          `json:"transactionHash"`
}

// Address maps a derived chain address back to its owning wallet and
// derivation path. Immutable once created.
type Address struct {
	ID       string `json:"id"`
	Service  string `json:"service"`
	WalletID string `json:"walletId"`
	Address  string `json:"address"`
	Type     string `json:"type"`
	Path     uint32 `json:"path"`
	Memo     string `json:"memo,omitempty"`
}

// Wallet holds an encrypted master seed and its encrypted settlement
// address. Keys are decrypted on demand for signing, never stored in clear.
type Wallet struct {
	ID               string `json:"id"`
	Service          string `json:"service"`
	WalletName       string `json:"walletName"`
	EncryptedKey     string `json:"-"`
	EncryptedAddress string `json:"-"`
}

// WalletConfig is the per-service routing table consulted by the payment and
// transporter engines.
type WalletConfig struct {
	Service              string `json:"service" bson:"service"`
	DepositWalletID      string `json:"depositWalletId" bson:"depositWalletId"`
	WithdrawWalletID     string `json:"withdrawWalletId" bson:"withdrawWalletId"`
	DistributionWalletID string `json:"distributionWalletId" bson:"distributionWalletId"`
	EncryptedColdWallet  string `json:"-" bson:"encryptedColdWallet"`
	IsNotified           bool   `json:"isNotified" bson:"isNotified"`
}

// WalletThreshold carries the per-(service, token) tunables for sweep routing
// and dust filtering.
type WalletThreshold struct {
	Service               string          `json:"service"`
	Token                 string          `json:"token"`
	NotificationThreshold decimal.Decimal `json:"notificationThreshold"`
	ForwardingThreshold   decimal.Decimal `json:"forwardingThreshold"`
	MinimumDeposit        decimal.Decimal `json:"minimumDeposit"`
}

// Token is an explicitly enabled token contract the monitor credits deposits
// for.
type Token struct {
	Service         string `json:"service" bson:"service"`
	Symbol          string `json:"symbol" bson:"symbol"`
	ContractAddress string `json:"contractAddress" bson:"contractAddress"`
	Decimals        uint8  `json:"decimals" bson:"decimals"`
	Enabled         bool   `json:"enabled" bson:"enabled"`
}

// BlockEvent is the persisted audit copy of an emitted block event. Events
// whose delivery failed are saved with status error and re-emitted later.
type BlockEvent struct {
	Service   string `json:"service" bson:"service"`
	Payload   string `json:"payload" bson:"payload"`
	Status    string `json:"status" bson:"status"`
	Signature string `json:"signature" bson:"signature"`
}

// AddressFunds is a grouped unspent total held by one deposit address.
type AddressFunds struct {
	AddressID string
	WalletID  string
	Address   string
	Amount    decimal.Decimal
}

// WalletFunds is a grouped unspent total held by one wallet.
type WalletFunds struct {
	WalletID string
	Amount   decimal.Decimal
}
