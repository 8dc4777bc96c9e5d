// Package chain defines the interface required for all blockchain
// connections.
package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/chain/bitcoin"
	"github.com/opencustody/walletd/lib/chain/evm"
	"github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/config"
)

// Accounting models.
const (
	UTXO    = "utxo"
	Account = "account"
)

// Client is the interface the engines use to talk to a blockchain. It covers
// both accounting models; methods of the foreign model return
// types.ErrUnsupported so a client advertises its capabilities through
// Model().
type Client interface {
	// Service returns the chain identifier (eth, btc...).
	Service() string
	// Model returns UTXO or Account.
	Model() string
	// Currency returns the native coin symbol.
	Currency() string
	// Close releases the node connection.
	Close()

	// BestHeight returns the tip height of the chain.
	BestHeight(ctx context.Context) (int64, error)
	// Block fetches and normalizes one block. Returns types.ErrNoBlock
	// when the height is not mined yet.
	Block(ctx context.Context, height int64) (types.Block, error)
	// Balance returns the confirmed balance of an address in whole units.
	// currency is the native symbol or a registered token symbol.
	Balance(ctx context.Context, address, currency string) (decimal.Decimal, error)
	// ValidAddress reports whether the address is well formed for this
	// chain.
	ValidAddress(address string) bool
	// AddressFromKey returns the chain encoding of the address controlled
	// by the given private key.
	AddressFromKey(key []byte) (string, error)

	// PendingNonce returns the next nonce of an address. Account model
	// only.
	PendingNonce(ctx context.Context, address string) (uint64, error)
	// EstimateFee returns the expected fee in native units for a single
	// transfer of the given asset. Account model only.
	EstimateFee(ctx context.Context, asset string) (decimal.Decimal, error)
	// SendAccount signs and broadcasts a single transfer, native or
	// token, and returns the transaction hash and the fee paid in native
	// units. Account model only.
	SendAccount(ctx context.Context, key []byte, from, to, currency string,
		amount decimal.Decimal, nonce uint64) (string, decimal.Decimal, error)

	// FeePerByte returns the current fee rate in whole native units per
	// virtual byte. UTXO model only.
	FeePerByte(ctx context.Context) (decimal.Decimal, error)
	// SendUTXO signs and broadcasts a transaction spending the given
	// inputs into the given outputs. The fee is whatever the inputs
	// exceed the outputs by. UTXO model only.
	SendUTXO(ctx context.Context, inputs []types.UTXOInput, outputs []types.Output) (string, error)
}

// Init loads all the clients read from the config into a map keyed by
// service name.
func Init(chains []config.ChainConfig, tokens map[string][]types.Token) (map[string]Client, error) {
	m := make(map[string]Client)

	for _, cc := range chains {
		var (
			c   Client
			err error
		)

		switch cc.Type {
		case "evm":
			c, err = evm.Init(cc.Name, cc.Node, cc.ChainID, cc.MinimumConfirmation, tokens[cc.Name])
		case "bitcoin":
			c, err = bitcoin.Init(cc.Name, cc.Node, cc.User, cc.Secret, cc.Network)
		default:
			log.Warn().Str("chain", cc.Name).Str("type", cc.Type).Msg("chain type not defined, ignoring")

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("cannot init chain %s: %w", cc.Name, err)
		}

		m[cc.Name] = c
	}

	return m, nil
}

// End closes gracefully all the chain clients opened.
func End(m map[string]Client) {
	for _, c := range m {
		c.Close()
	}
}
