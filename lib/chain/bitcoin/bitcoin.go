// Package bitcoin implements the chain client for bitcoin-type networks over
// the node's JSON-RPC interface.
package bitcoin

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/util"
)

const (
	nativeDecimals = 8

	// fee estimation target in blocks, and the floor rate in BTC/byte
	// when the node has no estimate yet
	feeTargetBlocks = 6
	fallbackFeeRate = "0.00000001"

	// node requests per second
	rpcRate  = 20
	rpcBurst = 40
)

// Bitcoin is a connection to one bitcoin-type node.
type Bitcoin struct {
	c       *rpcclient.Client
	name    string
	params  *chaincfg.Params
	limiter *rate.Limiter
}

// Init connects to the node RPC. network selects the address encoding
// parameters: mainnet, testnet3, regtest or simnet.
func Init(name, node, user, secret, network string) (*Bitcoin, error) {
	params, err := networkParams(network)
	if err != nil {
		return nil, err
	}

	c, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         node,
		User:         user,
		Pass:         secret,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s node: %w", name, err)
	}

	return &Bitcoin{
		c:       c,
		name:    name,
		params:  params,
		limiter: rate.NewLimiter(rpcRate, rpcBurst),
	}, nil
}

func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

func (b *Bitcoin) Service() string  { return b.name }
func (b *Bitcoin) Model() string    { return "utxo" }
func (b *Bitcoin) Currency() string { return b.name }

func (b *Bitcoin) Close() { b.c.Shutdown() }

func (b *Bitcoin) BestHeight(ctx context.Context) (int64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return b.c.GetBlockCount()
}

// Block fetches one block and normalizes its transactions. Coinbase inputs
// are dropped; outputs keep their script so later spends can be signed.
func (b *Bitcoin) Block(ctx context.Context, height int64) (types.Block, error) {
	tip, err := b.BestHeight(ctx)
	if err != nil {
		return types.Block{}, err
	}

	if height > tip {
		return types.Block{}, types.ErrNoBlock
	}

	if err = b.limiter.Wait(ctx); err != nil {
		return types.Block{}, err
	}

	hash, err := b.c.GetBlockHash(height)
	if err != nil {
		return types.Block{}, fmt.Errorf("cannot fetch block hash %d: %w", height, err)
	}

	if err = b.limiter.Wait(ctx); err != nil {
		return types.Block{}, err
	}

	blk, err := b.c.GetBlock(hash)
	if err != nil {
		return types.Block{}, fmt.Errorf("cannot fetch block %d: %w", height, err)
	}

	out := types.Block{
		Height:    height,
		Hash:      hash.String(),
		Timestamp: blk.Header.Timestamp.Unix(),
	}

	for _, tx := range blk.Transactions {
		norm := types.Tx{
			Hash:        tx.TxHash().String(),
			FeeCurrency: b.name,
		}

		for _, in := range tx.TxIn {
			if in.PreviousOutPoint.Hash == (chainhash.Hash{}) {
				continue // coinbase
			}

			norm.Inputs = append(norm.Inputs, types.Input{
				TxHash: in.PreviousOutPoint.Hash.String(),
				Index:  in.PreviousOutPoint.Index,
			})
		}

		for i, txOut := range tx.TxOut {
			_, addrs, _, errExtract := txscript.ExtractPkScriptAddrs(txOut.PkScript, b.params)
			if errExtract != nil || len(addrs) != 1 {
				continue // non-standard or multisig script
			}

			norm.Outputs = append(norm.Outputs, types.Transfer{
				Index:    uint32(i),
				To:       addrs[0].EncodeAddress(),
				Amount:   decimal.New(txOut.Value, -nativeDecimals),
				Currency: b.name,
				Script:   hex.EncodeToString(txOut.PkScript),
			})
		}

		out.Txs = append(out.Txs, norm)
	}

	return out, nil
}

// Balance is not served node-side: without a node wallet the unspent set is
// not indexed by address. The ledger is the balance source on this chain.
func (b *Bitcoin) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, types.ErrUnsupported
}

func (b *Bitcoin) ValidAddress(address string) bool {
	_, err := btcutil.DecodeAddress(address, b.params)

	return err == nil
}

func (b *Bitcoin) AddressFromKey(key []byte) (string, error) {
	priv, _ := btcec.PrivKeyFromBytes(key)
	if priv == nil {
		return "", types.ErrBadAddress
	}

	pubKeyHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())

	addr, err := btcutil.NewAddressPubKeyHash(pubKeyHash, b.params)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

func (b *Bitcoin) PendingNonce(context.Context, string) (uint64, error) {
	return 0, types.ErrUnsupported
}

func (b *Bitcoin) EstimateFee(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, types.ErrUnsupported
}

func (b *Bitcoin) SendAccount(context.Context, []byte, string, string, string,
	decimal.Decimal, uint64) (string, decimal.Decimal, error) {
	return "", decimal.Zero, types.ErrUnsupported
}

// FeePerByte returns the node's smart-fee estimate converted from BTC/kvB,
// falling back to the floor rate when the node has no data.
func (b *Bitcoin) FeePerByte(ctx context.Context) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	mode := btcjson.EstimateModeEconomical

	res, err := b.c.EstimateSmartFee(feeTargetBlocks, &mode)
	if err != nil {
		return decimal.Zero, err
	}

	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return decimal.RequireFromString(fallbackFeeRate), nil
	}

	perKB := decimal.NewFromFloat(*res.FeeRate)

	return perKB.Div(decimal.New(1000, 0)), nil
}

// SendUTXO builds, signs and broadcasts a P2PKH transaction spending inputs
// into outputs. The difference between input and output sums is the fee.
func (b *Bitcoin) SendUTXO(ctx context.Context, inputs []types.UTXOInput, outputs []types.Output) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range inputs {
		prevHash, err := chainhash.NewHashFromStr(in.TxHash)
		if err != nil {
			return "", fmt.Errorf("invalid input hash %s: %w", in.TxHash, err)
		}

		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, in.Index), nil, nil))
	}

	for _, out := range outputs {
		addr, err := btcutil.DecodeAddress(out.Address, b.params)
		if err != nil {
			return "", fmt.Errorf("invalid output address %s: %w", out.Address, err)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return "", err
		}

		tx.AddTxOut(wire.NewTxOut(util.ToUnits(out.Amount, nativeDecimals).Int64(), pkScript))
	}

	for i, in := range inputs {
		subScript, err := hex.DecodeString(in.Script)
		if err != nil {
			return "", fmt.Errorf("invalid input script: %w", err)
		}

		priv, _ := btcec.PrivKeyFromBytes(in.Key)
		if priv == nil {
			return "", types.ErrBadAddress
		}

		sigScript, err := txscript.SignatureScript(tx, i, subScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", fmt.Errorf("cannot sign input %d: %w", i, err)
		}

		tx.TxIn[i].SignatureScript = sigScript
	}

	hash, err := b.c.SendRawTransaction(tx, false)
	if err != nil {
		return "", err
	}

	return hash.String(), nil
}
