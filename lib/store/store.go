// Package store defines the interface for the persistence layer of the
// wallet services. Implementations in the subpackages provide MongoDB,
// PostgreSQL and in-memory back ends behind the same contract.
package store

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Implemented drivers.
const (
	MONGO    = "mongo"
	POSTGRES = "postgres"
	MEMORY   = "memory"
)

var (
	// ErrNotFound is returned when a lookup matches no document.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness rule.
	ErrDuplicate = errors.New("duplicate")
)

// DB is the interface to the wallet ledger.
//
// All amounts cross the boundary as decimal values and are persisted as
// strings, never floats. Every method is scoped by service, the chain
// identifier (eth, btc, trx...).
type DB interface {
	// Close releases the connection to the back end.
	Close() error

	// SyncHeight returns the processed-block checkpoint for the service,
	// or ErrNotFound before the first block is processed.
	SyncHeight(service string) (int64, error)
	// SetSyncHeight advances the checkpoint, creating it if absent.
	SetSyncHeight(service string, height int64) error

	// AddFunding inserts a funding row. Returns ErrDuplicate when a row
	// with the same (transactionHash, addressId, amount, outputIndex)
	// already exists, which makes deposit crediting idempotent.
	AddFunding(f Funding) (string, error)
	// GetFunding finds a funding by transaction hash and output index.
	GetFunding(service, txHash string, outputIndex uint32) (Funding, error)
	// SpendFunding sets spentInTransactionHash on the unspent funding
	// matching (txHash, outputIndex, currency). It matches only rows whose
	// spentInTransactionHash is still empty, so a funding is spent at most
	// once; ErrNotFound means no unspent row matched.
	SpendFunding(service, txHash string, outputIndex uint32, currency, spentIn string) error
	// SpendFundingByID is SpendFunding keyed by row id, with the same
	// unspent-only guard.
	SpendFundingByID(service, id, spentIn string) error
	// UseFunding flags a funding as reserved by an in-flight transaction.
	UseFunding(service, id string) error
	// UnspentByAddress returns the unspent, unreserved fundings credited
	// to one address in one currency.
	UnspentByAddress(service, addressID, currency string) ([]Funding, error)
	// UnspentByWallet returns the unspent, unreserved fundings of a wallet
	// in one currency, smallest amount first.
	UnspentByWallet(service, walletID, currency string) ([]Funding, error)
	// WalletBalances sums unspent fundings of a wallet grouped by
	// currency.
	WalletBalances(service, walletID string) (map[string]decimal.Decimal, error)
	// AddressFunds sums unspent fundings per deposit address for one
	// currency, used by the transporter to pick sweep sources.
	AddressFunds(service, currency string) ([]AddressFunds, error)
	// WalletFunds sums unspent fundings per wallet for one currency.
	WalletFunds(service, currency string) ([]WalletFunds, error)

	// CreateWithdraw inserts a withdrawal in status inqueue. Returns
	// ErrDuplicate when the withdrawalId is already known.
	CreateWithdraw(w Withdraw) error
	// PendingWithdraws returns up to limit withdrawals in status inqueue,
	// oldest first.
	PendingWithdraws(service string, limit int64) ([]Withdraw, error)
	// GetWithdraw finds a withdrawal by its external id.
	GetWithdraw(service, withdrawalID string) (Withdraw, error)
	// GetWithdrawByTx finds a withdrawal by broadcast transaction hash and
	// output index.
	GetWithdrawByTx(service, txHash string, outputIndex uint32) (Withdraw, error)
	// SetWithdrawTransfered records the broadcast hash and output index
	// and moves the row to status transfered.
	SetWithdrawTransfered(service, withdrawalID, txHash string, outputIndex uint32) error
	// SetWithdrawSuccess finalizes a confirmed withdrawal with the miner
	// fee observed on chain.
	SetWithdrawSuccess(service, withdrawalID string, minerFee decimal.Decimal, feeCurrency string) error
	// RequeueWithdraw puts a failed withdrawal back in queue: status
	// inqueue, transaction hash cleared, retries incremented.
	RequeueWithdraw(service, withdrawalID string) error
	// RejectWithdraw marks a withdrawal permanently failed.
	RejectWithdraw(service, withdrawalID, reason string) error
	// SetWithdrawNotified flags the withdrawal as reported downstream.
	SetWithdrawNotified(service, withdrawalID string) error

	// AddMoveFund appends a sweep audit record.
	AddMoveFund(m MoveFund) error
	// AddDistribution appends a gas top-up audit record.
	AddDistribution(d Distribution) error
	// GetDistributionByTx finds a top-up by transaction hash, ErrNotFound
	// when the hash is no top-up of ours.
	GetDistributionByTx(service, txHash string) (Distribution, error)

	// AddAddress inserts a derived address and returns its id. Returns
	// ErrDuplicate when the chain address is already registered.
	AddAddress(a Address) (string, error)
	// GetAddress finds an address row by its chain address.
	GetAddress(service, address string) (Address, error)
	// GetAddressByID finds an address row by id.
	GetAddressByID(service, id string) (Address, error)
	// NextAddressPath returns the next unused derivation index for a
	// wallet.
	NextAddressPath(service, walletID string) (uint32, error)

	// AddWallet inserts a wallet and returns its id. Returns ErrDuplicate
	// when the name is taken.
	AddWallet(w Wallet) (string, error)
	// GetWallet finds a wallet by id.
	GetWallet(service, id string) (Wallet, error)
	// GetWalletByName finds a wallet by name.
	GetWalletByName(service, name string) (Wallet, error)
	// SetWalletAddress stores the encrypted settlement address of a
	// wallet.
	SetWalletAddress(service, id, encryptedAddress string) error

	// GetConfig returns the routing config of a service.
	GetConfig(service string) (WalletConfig, error)
	// SetConfig upserts the routing config of a service.
	SetConfig(c WalletConfig) error

	// SetThreshold upserts the threshold row for (service, token).
	SetThreshold(t WalletThreshold) error
	// GetThreshold returns the threshold row for (service, token), or
	// ErrNotFound when none is set.
	GetThreshold(service, token string) (WalletThreshold, error)
	// GetThresholds returns all threshold rows of a service.
	GetThresholds(service string) ([]WalletThreshold, error)

	// AddToken registers a token contract. Returns ErrDuplicate when the
	// symbol or contract is already registered.
	AddToken(t Token) error
	// GetToken finds an enabled token by symbol.
	GetToken(service, symbol string) (Token, error)
	// GetTokenByContract finds an enabled token by contract address.
	GetTokenByContract(service, contract string) (Token, error)
	// Tokens returns all enabled tokens of a service.
	Tokens(service string) ([]Token, error)

	// SaveBlockEvent upserts the audit copy of an emitted event, keyed by
	// (service, signature).
	SaveBlockEvent(e BlockEvent) error
	// FailedBlockEvents returns the events whose delivery failed.
	FailedBlockEvents(service string) ([]BlockEvent, error)
}
