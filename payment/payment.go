// Package payment implements the withdrawal executor: it drains queued
// withdrawals in bounded batches from the hot wallet, one transaction per
// withdrawal on account chains and one batched transaction on UTXO chains.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/chain"
	ctypes "github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/metrics"
	"github.com/opencustody/walletd/lib/msg"
	mtypes "github.com/opencustody/walletd/lib/msg/types"
	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/util"
	"github.com/opencustody/walletd/lib/wallet"
)

// UTXO batch fee estimation: bytes per input, bytes per output, fixed
// overhead.
const (
	inputBytes  = 148
	outputBytes = 34
	txOverhead  = 10
)

// MaxFee is the hard ceiling for a UTXO batch fee, in whole native units.
// A computed fee above this aborts the batch.
var MaxFee = decimal.New(1, -1)

var (
	ErrInsufficientFee = errors.New("batch residual below estimated fee")
	ErrFeeTooHigh      = errors.New("batch fee above hard ceiling")
)

// Payment executes withdrawals for one chain.
type Payment struct {
	db        store.DB
	client    chain.Client
	sink      msg.EventSink
	intakeKey []byte
	cipherKey string
	batchSize int64
	interval  time.Duration
	log       zerolog.Logger
}

// New returns a Payment engine for one chain client.
func New(db store.DB, client chain.Client, sink msg.EventSink, intakeKey []byte,
	cipherKey string, batchSize int64, interval time.Duration, logger zerolog.Logger) *Payment {
	return &Payment{
		db:        db,
		client:    client,
		sink:      sink,
		intakeKey: intakeKey,
		cipherKey: cipherKey,
		batchSize: batchSize,
		interval:  interval,
		log:       logger.With().Str("service", client.Service()).Logger(),
	}
}

// Run executes batches until ctx is cancelled, restarting with exponential
// backoff after a failed iteration.
func (p *Payment) Run(ctx context.Context) {
	util.Supervise(ctx, p.client.Service(), p.interval, p.iterate)
}

// hotWallet is the resolved withdraw wallet: its settlement address and the
// key controlling it.
type hotWallet struct {
	walletID string
	address  string
	key      []byte
}

func (p *Payment) iterate(ctx context.Context) error {
	hot, ok, err := p.resolveHotWallet()
	if err != nil {
		return err
	}

	if !ok {
		return nil // not configured yet, alerted once
	}

	pending, err := p.db.PendingWithdraws(p.client.Service(), p.batchSize)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}

	if p.client.Model() == chain.UTXO {
		return p.executeUTXO(ctx, hot, pending)
	}

	return p.executeAccount(ctx, hot, pending)
}

// resolveHotWallet loads the withdraw wallet from config and decrypts its
// settlement address and signing key. When no withdraw wallet is configured
// the cycle is skipped and the operator alerted at most once.
func (p *Payment) resolveHotWallet() (hotWallet, bool, error) {
	service := p.client.Service()

	cfg, err := p.db.GetConfig(service)
	if errors.Is(err, store.ErrNotFound) || (err == nil && cfg.WithdrawWalletID == "") {
		if !cfg.IsNotified {
			p.alert(mtypes.LevelWarning, "no withdraw wallet configured, withdrawals on hold")

			cfg.Service = service
			cfg.IsNotified = true
			if errSet := p.db.SetConfig(cfg); errSet != nil {
				return hotWallet{}, false, errSet
			}
		}

		return hotWallet{}, false, nil
	}

	if err != nil {
		return hotWallet{}, false, err
	}

	w, err := p.db.GetWallet(service, cfg.WithdrawWalletID)
	if err != nil {
		return hotWallet{}, false, err
	}

	seed, err := wallet.Decrypt(p.cipherKey, w.EncryptedKey)
	if err != nil {
		return hotWallet{}, false, fmt.Errorf("cannot decrypt wallet key: %w", err)
	}

	addrBytes, err := wallet.Decrypt(p.cipherKey, w.EncryptedAddress)
	if err != nil {
		return hotWallet{}, false, fmt.Errorf("cannot decrypt wallet address: %w", err)
	}

	address := string(addrBytes)

	addrRow, err := p.db.GetAddress(service, address)
	if err != nil {
		return hotWallet{}, false, fmt.Errorf("hot address not registered: %w", err)
	}

	kc, err := wallet.NewKeychain(seed)
	if err != nil {
		return hotWallet{}, false, err
	}

	_, key, err := kc.Address(0, addrRow.Path)
	if err != nil {
		return hotWallet{}, false, err
	}

	return hotWallet{walletID: w.ID, address: address, key: key}, true, nil
}

// verifySignature recomputes the canonical intake signature. A mismatch
// means the row was altered after intake.
func (p *Payment) verifySignature(w store.Withdraw) bool {
	sig := msg.SignWithdraw(p.intakeKey, w.Service, w.WithdrawalID, w.Address, w.Tag,
		w.Amount.String(), w.Asset)

	return sig == w.Signature
}

// admit runs the shared pre-broadcast checks. It returns false when the
// withdrawal must be skipped this cycle, and a non-nil reject reason when it
// must never execute.
func (p *Payment) admit(w store.Withdraw) (skip bool, reject string) {
	if !p.verifySignature(w) {
		return true, "signature mismatch"
	}

	if !p.client.ValidAddress(w.Address) {
		return true, "invalid destination address"
	}

	if w.Asset != p.client.Currency() {
		if _, err := p.db.GetToken(p.client.Service(), w.Asset); err != nil {
			return true, "unsupported asset"
		}
	}

	return false, ""
}

// reserve takes need from the balance snapshot, returning false when the
// remaining snapshot cannot cover it. Reservations are in-memory only: later
// items of the same batch cannot double-spend the snapshot, and nothing is
// held across cycles.
func reserve(balances map[string]decimal.Decimal, need map[string]decimal.Decimal) bool {
	for cur, amt := range need {
		if balances[cur].LessThan(amt) {
			return false
		}
	}

	for cur, amt := range need {
		balances[cur] = balances[cur].Sub(amt)
	}

	return true
}

// notifyUnaffordable emits the one-shot insufficient-balance alert.
func (p *Payment) notifyUnaffordable(w store.Withdraw) error {
	if w.IsNotified {
		return nil
	}

	p.alert(mtypes.LevelWarning, fmt.Sprintf("withdrawal %s needs %s %s, balance insufficient",
		w.WithdrawalID, w.Amount, w.Asset))

	return p.db.SetWithdrawNotified(p.client.Service(), w.WithdrawalID)
}

func (p *Payment) reject(w store.Withdraw, reason string) error {
	p.log.Warn().Str("withdrawalId", w.WithdrawalID).Str("reason", reason).Msg("withdrawal rejected")
	metrics.WithdrawalsExecuted.WithLabelValues(p.client.Service(), store.WithdrawRejected).Inc()

	return p.db.RejectWithdraw(p.client.Service(), w.WithdrawalID, reason)
}

// executeAccount sends one transaction per affordable withdrawal. The nonce
// is fetched once per batch and advanced per index; it is deliberately not
// persisted across batches.
func (p *Payment) executeAccount(ctx context.Context, hot hotWallet, pending []store.Withdraw) error {
	service := p.client.Service()

	balances, err := p.db.WalletBalances(service, hot.walletID)
	if err != nil {
		return err
	}

	var batch []store.Withdraw

	for _, w := range pending {
		skip, reason := p.admit(w)
		if reason != "" {
			if err = p.reject(w, reason); err != nil {
				return err
			}

			continue
		}

		if skip {
			continue
		}

		fee, errFee := p.client.EstimateFee(ctx, w.Asset)
		if errFee != nil {
			return errFee
		}

		need := map[string]decimal.Decimal{w.Asset: w.Amount}
		need[p.client.Currency()] = need[p.client.Currency()].Add(fee)

		if !reserve(balances, need) {
			if err = p.notifyUnaffordable(w); err != nil {
				return err
			}

			continue
		}

		batch = append(batch, w)
	}

	if len(batch) == 0 {
		return nil
	}

	nonce, err := p.client.PendingNonce(ctx, hot.address)
	if err != nil {
		return err
	}

	for i, w := range batch {
		hash, _, errSend := p.client.SendAccount(ctx, hot.key, hot.address, w.Address,
			w.Asset, w.Amount, nonce+uint64(i))
		if errSend != nil {
			// unknown outcome: leave the row inqueue for the next cycle
			p.log.Error().Err(errSend).Str("withdrawalId", w.WithdrawalID).Msg("broadcast failed")

			continue
		}

		if err = p.db.SetWithdrawTransfered(service, w.WithdrawalID, hash, 0); err != nil {
			return err
		}

		metrics.WithdrawalsExecuted.WithLabelValues(service, store.WithdrawTransfered).Inc()
	}

	return nil
}

// executeUTXO builds one transaction paying every affordable withdrawal,
// with a change output back to the hot wallet.
func (p *Payment) executeUTXO(ctx context.Context, hot hotWallet, pending []store.Withdraw) error {
	service := p.client.Service()
	currency := p.client.Currency()

	utxos, err := p.db.UnspentByWallet(service, hot.walletID, currency)
	if err != nil {
		return err
	}

	available := decimal.Zero
	for _, u := range utxos {
		available = available.Add(u.Amount)
	}

	balances := map[string]decimal.Decimal{currency: available}

	feePerByte, err := p.client.FeePerByte(ctx)
	if err != nil {
		return err
	}

	var batch []store.Withdraw

	for _, w := range pending {
		skip, reason := p.admit(w)
		if reason != "" {
			if err = p.reject(w, reason); err != nil {
				return err
			}

			continue
		}

		if skip || w.Asset != currency {
			continue
		}

		// fee margin for one extra input and this output
		margin := BatchFee(1, 1, feePerByte)
		if !reserve(balances, map[string]decimal.Decimal{currency: w.Amount.Add(margin)}) {
			if err = p.notifyUnaffordable(w); err != nil {
				return err
			}

			continue
		}

		batch = append(batch, w)
	}

	if len(batch) == 0 {
		return nil
	}

	target := decimal.Zero
	for _, w := range batch {
		target = target.Add(w.Amount)
	}

	// select inputs smallest first until amounts plus the growing fee are
	// covered
	var (
		inputs   []ctypes.UTXOInput
		selected []store.Funding
		inSum    = decimal.Zero
	)

	for _, u := range utxos {
		inputs = append(inputs, ctypes.UTXOInput{
			TxHash: u.TransactionHash,
			Index:  u.OutputIndex,
			Amount: u.Amount,
			Script: u.Script,
			Key:    hot.key,
		})
		selected = append(selected, u)
		inSum = inSum.Add(u.Amount)

		if inSum.GreaterThanOrEqual(target.Add(BatchFee(len(inputs), len(batch), feePerByte))) {
			break
		}
	}

	fee := BatchFee(len(inputs), len(batch), feePerByte)

	residual := inSum.Sub(target)
	if residual.LessThan(fee) {
		return fmt.Errorf("%w: residual %s, fee %s", ErrInsufficientFee, residual, fee)
	}

	if fee.GreaterThan(MaxFee) {
		return fmt.Errorf("%w: %s", ErrFeeTooHigh, fee)
	}

	outputs := make([]ctypes.Output, 0, len(batch)+1)
	for _, w := range batch {
		outputs = append(outputs, ctypes.Output{Address: w.Address, Amount: w.Amount})
	}

	if change := residual.Sub(fee); change.IsPositive() {
		outputs = append(outputs, ctypes.Output{Address: hot.address, Amount: change})
	}

	hash, err := p.client.SendUTXO(ctx, inputs, outputs)
	if err != nil {
		// unknown outcome: rows stay inqueue, inputs stay unreserved
		p.log.Error().Err(err).Int("withdrawals", len(batch)).Msg("broadcast failed")

		return nil
	}

	for _, u := range selected {
		if err = p.db.UseFunding(service, u.ID); err != nil {
			return err
		}
	}

	for i, w := range batch {
		if err = p.db.SetWithdrawTransfered(service, w.WithdrawalID, hash, uint32(i)); err != nil {
			return err
		}

		metrics.WithdrawalsExecuted.WithLabelValues(service, store.WithdrawTransfered).Inc()
	}

	return nil
}

// BatchFee estimates a UTXO transaction fee in whole native units:
// (148·inputs + 34·(outputs+1) + 10) bytes at feePerByte, the +1 being the
// change output.
func BatchFee(inputs, outputs int, feePerByte decimal.Decimal) decimal.Decimal {
	size := inputBytes*inputs + outputBytes*(outputs+1) + txOverhead

	return feePerByte.Mul(decimal.New(int64(size), 0))
}

func (p *Payment) alert(level, message string) {
	payload, err := json.Marshal(mtypes.Alert{
		Service: p.client.Service(),
		Level:   level,
		Message: message,
	})
	if err != nil {
		return
	}

	if err = p.sink.EmitAlert(p.client.Service(), msg.Seal(p.intakeKey, payload)); err != nil {
		p.log.Warn().Err(err).Msg("alert delivery failed")
	}
}
