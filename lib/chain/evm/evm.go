// Package evm implements the chain client for ethereum-type networks.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	etypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/util"
)

// ERC-20 method selectors (keccak-256 of the function signature).
const (
	erc20Transfer     = "a9059cbb" // transfer(address,uint256)
	erc20TransferFrom = "23b872dd" // transferFrom(address,address,uint256)
)

const (
	nativeDecimals = 18
	gasLimitNative = 21000
	gasLimitToken  = 65000

	// node requests per second
	rpcRate  = 20
	rpcBurst = 40
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}
]`

// EVM is a connection to one ethereum-type node.
type EVM struct {
	c       *ethclient.Client
	name    string
	chainID *big.Int
	minConf int64
	limiter *rate.Limiter
	abi     abi.ABI

	byContract map[string]types.Token
	bySymbol   map[string]types.Token
}

// Init dials the node and indexes the registered tokens.
func Init(name, node string, chainID, minConf int64, tokens []types.Token) (*EVM, error) {
	c, err := ethclient.Dial(node)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to %s node: %w", name, err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, err
	}

	e := &EVM{
		c:          c,
		name:       name,
		chainID:    big.NewInt(chainID),
		minConf:    minConf,
		limiter:    rate.NewLimiter(rpcRate, rpcBurst),
		abi:        parsed,
		byContract: make(map[string]types.Token, len(tokens)),
		bySymbol:   make(map[string]types.Token, len(tokens)),
	}

	for _, t := range tokens {
		e.byContract[strings.ToLower(t.Contract)] = t
		e.bySymbol[t.Symbol] = t
	}

	return e, nil
}

func (e *EVM) Service() string  { return e.name }
func (e *EVM) Model() string    { return "account" }
func (e *EVM) Currency() string { return e.name }

// MinimumConfirmation returns the configured confirmation depth.
func (e *EVM) MinimumConfirmation() int64 { return e.minConf }

func (e *EVM) Close() { e.c.Close() }

func (e *EVM) BestHeight(ctx context.Context) (int64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	h, err := e.c.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	return int64(h), nil
}

// Block fetches one block and normalizes its transactions: native transfers
// keep their value, registered-token calls are decoded from the input data
// the same way the contract would. Receipts supply the failure flag and the
// actual fee.
func (e *EVM) Block(ctx context.Context, height int64) (types.Block, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return types.Block{}, err
	}

	blk, err := e.c.BlockByNumber(ctx, big.NewInt(height))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return types.Block{}, types.ErrNoBlock
		}

		return types.Block{}, err
	}

	out := types.Block{
		Height:    height,
		Hash:      blk.Hash().Hex(),
		Timestamp: int64(blk.Time()),
	}

	signer := etypes.LatestSignerForChainID(e.chainID)

	for _, tx := range blk.Transactions() {
		if tx.To() == nil {
			continue // contract creation
		}

		norm, ok := e.normalize(tx)
		if !ok {
			continue
		}

		if from, errFrom := etypes.Sender(signer, tx); errFrom == nil {
			norm.From = strings.ToLower(from.Hex())
		}

		if err = e.addReceipt(ctx, tx.Hash(), tx.GasPrice(), &norm); err != nil {
			return types.Block{}, err
		}

		out.Txs = append(out.Txs, norm)
	}

	return out, nil
}

// normalize decodes a transaction into transfers. Calls to unregistered
// contracts and non-transfer methods are dropped.
func (e *EVM) normalize(tx *etypes.Transaction) (types.Tx, bool) {
	norm := types.Tx{Hash: tx.Hash().Hex()}

	data := tx.Data()
	to := strings.ToLower(tx.To().Hex())

	if len(data) < 4 {
		// plain value transfer
		if tx.Value().Sign() <= 0 {
			return norm, false
		}

		norm.Outputs = []types.Transfer{{
			To:       to,
			Amount:   util.FromUnits(tx.Value(), nativeDecimals),
			Currency: e.name,
		}}

		return norm, true
	}

	tok, registered := e.byContract[to]
	if !registered {
		return norm, false
	}

	selector := hex.EncodeToString(data[:4])

	var (
		dest   common.Address
		amount *big.Int
	)

	switch selector {
	case erc20Transfer:
		if len(data) != 4+64 {
			return norm, false
		}

		dest = common.BytesToAddress(data[4+12 : 4+32])
		amount = new(big.Int).SetBytes(data[4+32 : 4+64])
	case erc20TransferFrom:
		if len(data) != 4+96 {
			return norm, false
		}

		norm.From = strings.ToLower(common.BytesToAddress(data[4+12 : 4+32]).Hex())
		dest = common.BytesToAddress(data[4+44 : 4+64])
		amount = new(big.Int).SetBytes(data[4+64 : 4+96])
	default:
		return norm, false
	}

	norm.Outputs = []types.Transfer{{
		To:       strings.ToLower(dest.Hex()),
		Amount:   util.FromUnits(amount, tok.Decimals),
		Currency: tok.Symbol,
		Contract: tok.Contract,
	}}

	return norm, true
}

func (e *EVM) addReceipt(ctx context.Context, hash common.Hash, gasPrice *big.Int, norm *types.Tx) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	receipt, err := e.c.TransactionReceipt(ctx, hash)
	if err != nil {
		return fmt.Errorf("cannot fetch receipt %s: %w", hash.Hex(), err)
	}

	norm.Failed = receipt.Status != etypes.ReceiptStatusSuccessful

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	norm.Fee = util.FromUnits(fee, nativeDecimals)
	norm.FeeCurrency = e.name

	return nil
}

func (e *EVM) Balance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	if currency == e.name {
		bal, err := e.c.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return decimal.Zero, err
		}

		return util.FromUnits(bal, nativeDecimals), nil
	}

	tok, ok := e.bySymbol[currency]
	if !ok {
		return decimal.Zero, types.ErrUnknownToken
	}

	data, err := e.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return decimal.Zero, err
	}

	contract := common.HexToAddress(tok.Contract)

	raw, err := e.c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return decimal.Zero, err
	}

	return util.FromUnits(new(big.Int).SetBytes(raw), tok.Decimals), nil
}

func (e *EVM) ValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (e *EVM) AddressFromKey(key []byte) (string, error) {
	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("invalid key: %w", err)
	}

	pub, ok := priv.Public().(*ecdsa.PublicKey)
	if !ok {
		return "", types.ErrBadAddress
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pub).Hex()), nil
}

func (e *EVM) PendingNonce(ctx context.Context, address string) (uint64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	return e.c.PendingNonceAt(ctx, common.HexToAddress(address))
}

func (e *EVM) EstimateFee(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	gasPrice, err := e.c.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	gasLimit := int64(gasLimitNative)
	if asset != e.name {
		gasLimit = gasLimitToken
	}

	fee := new(big.Int).Mul(gasPrice, big.NewInt(gasLimit))

	return util.FromUnits(fee, nativeDecimals), nil
}

// SendAccount signs an EIP-155 transfer, native or token, and broadcasts it.
func (e *EVM) SendAccount(ctx context.Context, key []byte, from, to, currency string,
	amount decimal.Decimal, nonce uint64) (string, decimal.Decimal, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", decimal.Zero, err
	}

	gasPrice, err := e.c.SuggestGasPrice(ctx)
	if err != nil {
		return "", decimal.Zero, err
	}

	var tx *etypes.Transaction

	if currency == e.name {
		tx = etypes.NewTransaction(nonce, common.HexToAddress(to),
			util.ToUnits(amount, nativeDecimals), gasLimitNative, gasPrice, nil)
	} else {
		tok, ok := e.bySymbol[currency]
		if !ok {
			return "", decimal.Zero, types.ErrUnknownToken
		}

		data, errPack := e.abi.Pack("transfer", common.HexToAddress(to),
			util.ToUnits(amount, tok.Decimals))
		if errPack != nil {
			return "", decimal.Zero, errPack
		}

		tx = etypes.NewTransaction(nonce, common.HexToAddress(tok.Contract),
			new(big.Int), gasLimitToken, gasPrice, data)
	}

	priv, err := crypto.ToECDSA(key)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("invalid key: %w", err)
	}

	signed, err := etypes.SignTx(tx, etypes.NewEIP155Signer(e.chainID), priv)
	if err != nil {
		return "", decimal.Zero, err
	}

	if err = e.c.SendTransaction(ctx, signed); err != nil {
		return "", decimal.Zero, err
	}

	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(tx.Gas()))

	return signed.Hash().Hex(), util.FromUnits(fee, nativeDecimals), nil
}

func (e *EVM) FeePerByte(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, types.ErrUnsupported
}

func (e *EVM) SendUTXO(context.Context, []types.UTXOInput, []types.Output) (string, error) {
	return "", types.ErrUnsupported
}
