// Package transporter implements the fund-consolidation engine: it sweeps
// deposited funds from user addresses into the hot withdraw wallet until its
// liquidity threshold is met, then routes the remainder to cold storage. On
// account chains it also issues gas top-ups from the distribution wallet so
// token sweeps can pay their own fee.
package transporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
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

// Sweep iteration orders. Query order preserves whatever the store returns;
// amount order sweeps the largest balances first.
const (
	OrderQuery  = "query"
	OrderAmount = "amount"
)

// Transporter consolidates funds for one chain.
type Transporter struct {
	db         store.DB
	client     chain.Client
	sink       msg.EventSink
	intakeKey  []byte
	cipherKey  string
	sweepOrder string
	interval   time.Duration
	log        zerolog.Logger
}

// New returns a Transporter engine for one chain client.
func New(db store.DB, client chain.Client, sink msg.EventSink, intakeKey []byte,
	cipherKey, sweepOrder string, interval time.Duration, logger zerolog.Logger) *Transporter {
	return &Transporter{
		db:         db,
		client:     client,
		sink:       sink,
		intakeKey:  intakeKey,
		cipherKey:  cipherKey,
		sweepOrder: sweepOrder,
		interval:   interval,
		log:        logger.With().Str("service", client.Service()).Logger(),
	}
}

// Run executes sweep cycles until ctx is cancelled, restarting with
// exponential backoff after a failed iteration.
func (t *Transporter) Run(ctx context.Context) {
	util.Supervise(ctx, t.client.Service(), t.interval, t.iterate)
}

// routes is the resolved destination set of one cycle.
type routes struct {
	hotAddress  string
	coldAddress string
	deposit     *wallet.Keychain
	distAddress string
	distKey     []byte
}

func (t *Transporter) iterate(ctx context.Context) error {
	r, ok, err := t.resolveRoutes()
	if err != nil {
		return err
	}

	if !ok {
		return nil // routing incomplete, alerted once
	}

	thresholds, err := t.thresholdIndex()
	if err != nil {
		return err
	}

	if err = t.sweepCurrency(ctx, r, t.client.Currency(), thresholds); err != nil {
		return err
	}

	if t.client.Model() != chain.Account {
		return nil
	}

	tokens, err := t.db.Tokens(t.client.Service())
	if err != nil {
		return err
	}

	for _, tok := range tokens {
		if !tok.Enabled {
			continue
		}

		if err = t.sweepCurrency(ctx, r, tok.Symbol, thresholds); err != nil {
			return err
		}
	}

	return nil
}

// resolveRoutes loads the routing table and decrypts the addresses and keys
// the cycle needs. An incomplete configuration skips the cycle and alerts the
// operator at most once.
func (t *Transporter) resolveRoutes() (routes, bool, error) {
	service := t.client.Service()

	cfg, err := t.db.GetConfig(service)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return routes{}, false, err
	}

	missing := err != nil || cfg.DepositWalletID == "" || cfg.WithdrawWalletID == "" ||
		cfg.EncryptedColdWallet == "" ||
		(t.client.Model() == chain.Account && cfg.DistributionWalletID == "")

	if missing {
		if !cfg.IsNotified {
			t.alert(mtypes.LevelWarning, "sweep routing incomplete, consolidation on hold")

			cfg.Service = service
			cfg.IsNotified = true
			if errSet := t.db.SetConfig(cfg); errSet != nil {
				return routes{}, false, errSet
			}
		}

		return routes{}, false, nil
	}

	var r routes

	hotWallet, err := t.db.GetWallet(service, cfg.WithdrawWalletID)
	if err != nil {
		return routes{}, false, err
	}

	hotAddr, err := wallet.Decrypt(t.cipherKey, hotWallet.EncryptedAddress)
	if err != nil {
		return routes{}, false, fmt.Errorf("cannot decrypt hot address: %w", err)
	}

	r.hotAddress = string(hotAddr)

	coldAddr, err := wallet.Decrypt(t.cipherKey, cfg.EncryptedColdWallet)
	if err != nil {
		return routes{}, false, fmt.Errorf("cannot decrypt cold address: %w", err)
	}

	r.coldAddress = string(coldAddr)

	depositWallet, err := t.db.GetWallet(service, cfg.DepositWalletID)
	if err != nil {
		return routes{}, false, err
	}

	seed, err := wallet.Decrypt(t.cipherKey, depositWallet.EncryptedKey)
	if err != nil {
		return routes{}, false, fmt.Errorf("cannot decrypt deposit wallet key: %w", err)
	}

	if r.deposit, err = wallet.NewKeychain(seed); err != nil {
		return routes{}, false, err
	}

	if t.client.Model() == chain.Account {
		if r.distAddress, r.distKey, err = t.distributionKey(cfg.DistributionWalletID); err != nil {
			return routes{}, false, err
		}
	}

	return r, true, nil
}

func (t *Transporter) distributionKey(walletID string) (string, []byte, error) {
	service := t.client.Service()

	w, err := t.db.GetWallet(service, walletID)
	if err != nil {
		return "", nil, err
	}

	seed, err := wallet.Decrypt(t.cipherKey, w.EncryptedKey)
	if err != nil {
		return "", nil, fmt.Errorf("cannot decrypt distribution wallet key: %w", err)
	}

	addrBytes, err := wallet.Decrypt(t.cipherKey, w.EncryptedAddress)
	if err != nil {
		return "", nil, fmt.Errorf("cannot decrypt distribution address: %w", err)
	}

	address := string(addrBytes)

	addrRow, err := t.db.GetAddress(service, address)
	if err != nil {
		return "", nil, fmt.Errorf("distribution address not registered: %w", err)
	}

	kc, err := wallet.NewKeychain(seed)
	if err != nil {
		return "", nil, err
	}

	_, key, err := kc.Address(0, addrRow.Path)
	if err != nil {
		return "", nil, err
	}

	return address, key, nil
}

func (t *Transporter) thresholdIndex() (map[string]store.WalletThreshold, error) {
	rows, err := t.db.GetThresholds(t.client.Service())
	if err != nil {
		return nil, err
	}

	idx := make(map[string]store.WalletThreshold, len(rows))
	for _, row := range rows {
		idx[row.Token] = row
	}

	return idx, nil
}

// sweepPlan is one source address with its routed split.
type sweepPlan struct {
	funds store.AddressFunds
	hot   decimal.Decimal
	cold  decimal.Decimal
}

func (t *Transporter) sweepCurrency(ctx context.Context, r routes, currency string,
	thresholds map[string]store.WalletThreshold) error {
	thr, ok := thresholds[currency]
	if !ok {
		return nil // currency not enabled for sweeping
	}

	funds, err := t.db.AddressFunds(t.client.Service(), currency)
	if err != nil {
		return err
	}

	t.checkNotificationThreshold(currency, funds, thr)

	plans := t.route(r, funds, thr)
	if len(plans) == 0 {
		return nil
	}

	if t.client.Model() == chain.UTXO {
		return t.executeUTXO(ctx, r, currency, plans)
	}

	for _, plan := range plans {
		if err = t.executeAccount(ctx, r, currency, plan); err != nil {
			return err
		}
	}

	return nil
}

// checkNotificationThreshold warns the operator when the sweepable balance of
// a currency drops below its configured notification floor.
func (t *Transporter) checkNotificationThreshold(currency string, funds []store.AddressFunds,
	thr store.WalletThreshold) {
	if !thr.NotificationThreshold.IsPositive() {
		return
	}

	total := decimal.Zero
	for _, f := range funds {
		total = total.Add(f.Amount)
	}

	if total.GreaterThanOrEqual(thr.NotificationThreshold) {
		return
	}

	t.alert(mtypes.LevelWarning, fmt.Sprintf("%s balance %s below notification threshold %s",
		currency, total.String(), thr.NotificationThreshold.String()))
}

// route is the greedy threshold pass: address totals replenish the hot wallet
// until forwardingThreshold is reached within this cycle, the remainder goes
// to cold. An address total crossing the threshold is split.
func (t *Transporter) route(r routes, funds []store.AddressFunds, thr store.WalletThreshold) []sweepPlan {
	if t.sweepOrder == OrderAmount {
		sort.SliceStable(funds, func(i, j int) bool {
			return funds[i].Amount.GreaterThan(funds[j].Amount)
		})
	}

	routed := decimal.Zero
	plans := make([]sweepPlan, 0, len(funds))

	for _, f := range funds {
		if f.Address == r.hotAddress || f.Address == r.distAddress {
			continue
		}

		if f.Amount.LessThan(thr.MinimumDeposit) {
			continue
		}

		hot := thr.ForwardingThreshold.Sub(routed)
		if hot.IsNegative() {
			hot = decimal.Zero
		}

		if hot.GreaterThan(f.Amount) {
			hot = f.Amount
		}

		routed = routed.Add(hot)
		plans = append(plans, sweepPlan{funds: f, hot: hot, cold: f.Amount.Sub(hot)})
	}

	return plans
}

// executeAccount sweeps one source address with one transaction per
// destination, topping up gas from the distribution wallet first when the
// address cannot pay its own fee.
func (t *Transporter) executeAccount(ctx context.Context, r routes, currency string, plan sweepPlan) error {
	service := t.client.Service()
	native := t.client.Currency()

	addrRow, err := t.db.GetAddressByID(service, plan.funds.AddressID)
	if err != nil {
		return err
	}

	_, key, err := r.deposit.Address(0, addrRow.Path)
	if err != nil {
		return err
	}

	fee, err := t.client.EstimateFee(ctx, currency)
	if err != nil {
		return err
	}

	legs := t.legs(r, plan)
	if len(legs) == 0 {
		return nil
	}

	if currency != native {
		if err = t.topUpGas(ctx, r, plan.funds.Address, fee.Mul(decimal.New(int64(len(legs)), 0))); err != nil {
			return err
		}
	}

	pending, err := t.db.UnspentByAddress(service, plan.funds.AddressID, currency)
	if err != nil {
		return err
	}

	nonce, err := t.client.PendingNonce(ctx, plan.funds.Address)
	if err != nil {
		return err
	}

	for i, leg := range legs {
		amount := leg.amount
		if currency == native {
			// the source pays its own fee out of the swept amount
			amount = amount.Sub(fee)
			if !amount.IsPositive() {
				continue
			}
		}

		hash, minerFee, errSend := t.client.SendAccount(ctx, key, plan.funds.Address,
			leg.to, currency, amount, nonce+uint64(i))
		if errSend != nil {
			// unknown outcome: fundings stay unspent, next cycle retries
			t.log.Error().Err(errSend).Str("address", plan.funds.Address).Msg("sweep broadcast failed")

			return nil
		}

		pending = markSpent(t.db, service, pending, leg.amount, hash)

		if err = t.db.AddMoveFund(store.MoveFund{
			Service:         service,
			Currency:        currency,
			Address:         leg.to,
			Amount:          amount,
			MinerFee:        minerFee,
			FeeCurrency:     native,
			Status:          store.StatusConfirmed,
			TransactionHash: hash,
		}); err != nil {
			return err
		}

		metrics.SweepsExecuted.WithLabelValues(service, leg.tag).Inc()
	}

	return nil
}

type sweepLeg struct {
	to     string
	tag    string
	amount decimal.Decimal
}

func (t *Transporter) legs(r routes, plan sweepPlan) []sweepLeg {
	var legs []sweepLeg

	if plan.hot.IsPositive() {
		legs = append(legs, sweepLeg{to: r.hotAddress, tag: "hot", amount: plan.hot})
	}

	if plan.cold.IsPositive() {
		legs = append(legs, sweepLeg{to: r.coldAddress, tag: "cold", amount: plan.cold})
	}

	return legs
}

// markSpent flags source fundings as consumed by hash, walking the unspent
// list until the leg amount is covered. Remaining rows are returned for the
// next leg.
func markSpent(db store.DB, service string, pending []store.Funding,
	amount decimal.Decimal, hash string) []store.Funding {
	covered := decimal.Zero

	i := 0
	for ; i < len(pending) && covered.LessThan(amount); i++ {
		if err := db.SpendFundingByID(service, pending[i].ID, hash); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			break
		}

		covered = covered.Add(pending[i].Amount)
	}

	return pending[i:]
}

// topUpGas sends the exact native shortfall from the distribution wallet to
// the source address, without waiting for confirmation. The Distribution row
// keeps the monitor from booking the top-up as a customer deposit.
func (t *Transporter) topUpGas(ctx context.Context, r routes, address string, needed decimal.Decimal) error {
	service := t.client.Service()
	native := t.client.Currency()

	addrRow, err := t.db.GetAddress(service, address)
	if err != nil {
		return err
	}

	balance := decimal.Zero

	unspent, err := t.db.UnspentByAddress(service, addrRow.ID, native)
	if err != nil {
		return err
	}

	for _, f := range unspent {
		balance = balance.Add(f.Amount)
	}

	shortfall := needed.Sub(balance)
	if !shortfall.IsPositive() {
		return nil
	}

	nonce, err := t.client.PendingNonce(ctx, r.distAddress)
	if err != nil {
		return err
	}

	hash, minerFee, err := t.client.SendAccount(ctx, r.distKey, r.distAddress,
		address, native, shortfall, nonce)
	if err != nil {
		return fmt.Errorf("gas top-up failed: %w", err)
	}

	t.log.Info().Str("address", address).Str("amount", shortfall.String()).
		Str("txHash", hash).Msg("gas top-up sent")

	return t.db.AddDistribution(store.Distribution{
		Service:         service,
		Currency:        native,
		Address:         address,
		Amount:          shortfall,
		MinerFee:        minerFee,
		FeeCurrency:     native,
		Status:          store.StatusConfirmed,
		TransactionHash: hash,
	})
}

// executeUTXO consolidates all routed addresses in a single transaction with
// a hot and a cold output. The fee is paid from the swept inputs, deducted
// from the cold output first.
func (t *Transporter) executeUTXO(ctx context.Context, r routes, currency string, plans []sweepPlan) error {
	service := t.client.Service()

	feePerByte, err := t.client.FeePerByte(ctx)
	if err != nil {
		return err
	}

	var (
		inputs    []ctypes.UTXOInput
		selected  []store.Funding
		hotTotal  = decimal.Zero
		coldTotal = decimal.Zero
	)

	for _, plan := range plans {
		addrRow, errAddr := t.db.GetAddressByID(service, plan.funds.AddressID)
		if errAddr != nil {
			return errAddr
		}

		_, key, errKey := r.deposit.Address(0, addrRow.Path)
		if errKey != nil {
			return errKey
		}

		unspent, errUn := t.db.UnspentByAddress(service, plan.funds.AddressID, currency)
		if errUn != nil {
			return errUn
		}

		for _, f := range unspent {
			inputs = append(inputs, ctypes.UTXOInput{
				TxHash: f.TransactionHash,
				Index:  f.OutputIndex,
				Amount: f.Amount,
				Script: f.Script,
				Key:    key,
			})
			selected = append(selected, f)
		}

		hotTotal = hotTotal.Add(plan.hot)
		coldTotal = coldTotal.Add(plan.cold)
	}

	if len(inputs) == 0 {
		return nil
	}

	fee := feePerByte.Mul(decimal.New(int64(148*len(inputs)+34*3+10), 0))

	// fee comes out of the cold output, then the hot output
	if coldTotal.GreaterThanOrEqual(fee) {
		coldTotal = coldTotal.Sub(fee)
		fee = decimal.Zero
	} else {
		fee = fee.Sub(coldTotal)
		coldTotal = decimal.Zero
		hotTotal = hotTotal.Sub(fee)
	}

	if !hotTotal.IsPositive() && !coldTotal.IsPositive() {
		return nil // everything would be eaten by the fee
	}

	var outputs []ctypes.Output

	if hotTotal.IsPositive() {
		outputs = append(outputs, ctypes.Output{Address: r.hotAddress, Amount: hotTotal})
	}

	if coldTotal.IsPositive() {
		outputs = append(outputs, ctypes.Output{Address: r.coldAddress, Amount: coldTotal})
	}

	hash, err := t.client.SendUTXO(ctx, inputs, outputs)
	if err != nil {
		// unknown outcome: inputs stay unspent, next cycle retries
		t.log.Error().Err(err).Int("inputs", len(inputs)).Msg("sweep broadcast failed")

		return nil
	}

	for _, f := range selected {
		if err = t.db.SpendFundingByID(service, f.ID, hash); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if hotTotal.IsPositive() {
		if err = t.addMoveFund(currency, r.hotAddress, hotTotal, hash); err != nil {
			return err
		}

		metrics.SweepsExecuted.WithLabelValues(service, "hot").Inc()
	}

	if coldTotal.IsPositive() {
		if err = t.addMoveFund(currency, r.coldAddress, coldTotal, hash); err != nil {
			return err
		}

		metrics.SweepsExecuted.WithLabelValues(service, "cold").Inc()
	}

	return nil
}

func (t *Transporter) addMoveFund(currency, to string, amount decimal.Decimal, hash string) error {
	return t.db.AddMoveFund(store.MoveFund{
		Service:         t.client.Service(),
		Currency:        currency,
		Address:         to,
		Amount:          amount,
		FeeCurrency:     t.client.Currency(),
		Status:          store.StatusConfirmed,
		TransactionHash: hash,
	})
}

func (t *Transporter) alert(level, message string) {
	payload, err := json.Marshal(mtypes.Alert{
		Service: t.client.Service(),
		Level:   level,
		Message: message,
	})
	if err != nil {
		return
	}

	if err = t.sink.EmitAlert(t.client.Service(), msg.Seal(t.intakeKey, payload)); err != nil {
		t.log.Warn().Err(err).Msg("alert delivery failed")
	}
}
