// Package monitor implements the block-scanning service: it walks each chain
// behind a confirmation threshold, reconciles every confirmed block against
// the ledger and emits one signed event per block with work in it.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
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
	"github.com/opencustody/walletd/monitor/blockqueue"
)

// pollDelay is how long the processor waits when the next height has not
// been fetched yet.
const pollDelay = 500 * time.Millisecond

// Monitor scans one chain.
type Monitor struct {
	db          store.DB
	client      chain.Client
	sink        msg.EventSink
	eventKey    []byte
	minConf     int64
	interval    time.Duration
	queue       *blockqueue.Queue
	reproducing atomic.Bool
	log         zerolog.Logger
}

// New returns a Monitor for one chain client.
func New(db store.DB, client chain.Client, sink msg.EventSink, eventKey []byte,
	minConf int64, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		db:       db,
		client:   client,
		sink:     sink,
		eventKey: eventKey,
		minConf:  minConf,
		interval: interval,
		queue:    blockqueue.New(),
		log:      logger.With().Str("service", client.Service()).Logger(),
	}
}

// Run scans until ctx is cancelled. Iteration failures restart the scan with
// exponential backoff; an in-flight block is always finished or abandoned
// before the checkpoint, never half-applied past it.
func (m *Monitor) Run(ctx context.Context) {
	util.Supervise(ctx, m.client.Service(), m.interval, m.iterate)
}

func (m *Monitor) iterate(ctx context.Context) error {
	synced, err := m.syncedHeight(ctx)
	if err != nil {
		return err
	}

	tip, err := m.client.BestHeight(ctx)
	if err != nil {
		return fmt.Errorf("cannot read chain tip: %w", err)
	}

	confirmed := tip - m.minConf
	if synced >= confirmed {
		return nil // caught up, wait for the chain
	}

	// re-emit previously failed audit events while we advance; at most one
	// re-emitter at a time so an event is not replayed by two runs at once
	if m.reproducing.CompareAndSwap(false, true) {
		go func() {
			defer m.reproducing.Store(false)
			m.reproduceEvents(ctx)
		}()
	}

	// drop blocks left over from a previously aborted range, they would
	// keep the heap head below the next wanted height
	m.queue.Reset()

	fetchErr := make(chan error, 1)

	go m.fetch(ctx, synced+1, confirmed, fetchErr)

	return m.process(ctx, synced+1, confirmed, fetchErr)
}

// syncedHeight reads the checkpoint, bootstrapping it to tip-1 on a cold
// start so scanning begins just before the tip rather than at genesis.
func (m *Monitor) syncedHeight(ctx context.Context) (int64, error) {
	service := m.client.Service()

	synced, err := m.db.SyncHeight(service)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if errors.Is(err, store.ErrNotFound) || synced == -1 {
		tip, errTip := m.client.BestHeight(ctx)
		if errTip != nil {
			return 0, fmt.Errorf("cannot read chain tip: %w", errTip)
		}

		synced = tip - 1
		if err = m.db.SetSyncHeight(service, synced); err != nil {
			return 0, err
		}

		m.log.Info().Int64("height", synced).Msg("cold start, checkpoint initialized")
	}

	return synced, nil
}

// fetch hydrates blocks [from, to] and pushes them onto the queue. The queue
// keeps processing ordered even if this is ever parallelized.
func (m *Monitor) fetch(ctx context.Context, from, to int64, out chan<- error) {
	for h := from; h <= to; h++ {
		blk, err := m.client.Block(ctx, h)
		if err != nil {
			if !errors.Is(err, ctypes.ErrNoBlock) {
				err = fmt.Errorf("cannot fetch block %d: %w", h, err)
			}

			out <- err

			return
		}

		m.queue.Push(blk)
	}

	out <- nil
}

// process applies blocks strictly in ascending height order, advancing the
// checkpoint after each fully applied block.
func (m *Monitor) process(ctx context.Context, from, to int64, fetchErr <-chan error) error {
	var fetchDone error

	fetchFinished := false

	for next := from; next <= to; {
		blk, ok := m.queue.PopIf(next)
		if !ok {
			if fetchFinished {
				return fetchDone // fetch stopped short of this height
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case fetchDone = <-fetchErr:
				fetchFinished = true
			case <-time.After(pollDelay):
			}

			continue
		}

		if err := m.processBlock(blk); err != nil {
			return fmt.Errorf("block %d: %w", blk.Height, err)
		}

		if err := m.db.SetSyncHeight(m.client.Service(), blk.Height); err != nil {
			return err
		}

		metrics.BlocksProcessed.WithLabelValues(m.client.Service()).Inc()
		metrics.SyncHeight.WithLabelValues(m.client.Service()).Set(float64(blk.Height))

		next++
	}

	if !fetchFinished {
		fetchDone = <-fetchErr
	}

	return fetchDone
}

// processBlock reconciles one block: spend accounting, funding credits,
// withdrawal finalization and the signed block event.
func (m *Monitor) processBlock(blk ctypes.Block) error {
	var deposits, withdrawals []mtypes.BalanceChange

	for i := range blk.Txs {
		tx := &blk.Txs[i]

		if !tx.Failed {
			if err := m.accountSpends(tx); err != nil {
				return err
			}

			credited, err := m.creditFundings(tx, blk.Height)
			if err != nil {
				return err
			}

			deposits = append(deposits, credited...)
		}

		confirmed, err := m.finalizeWithdrawals(tx)
		if err != nil {
			return err
		}

		withdrawals = append(withdrawals, confirmed...)
	}

	if len(deposits)+len(withdrawals) == 0 {
		return nil
	}

	return m.emitBlockEvent(blk, groupChanges(deposits), groupChanges(withdrawals))
}

// accountSpends marks consumed fundings spent. UTXO chains match inputs one
// by one; account chains spend virtually against the sender's unspent total.
func (m *Monitor) accountSpends(tx *ctypes.Tx) error {
	service := m.client.Service()

	if m.client.Model() == chain.UTXO {
		for _, in := range tx.Inputs {
			err := m.db.SpendFunding(service, in.TxHash, in.Index, m.client.Currency(), tx.Hash)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		return nil
	}

	if tx.From == "" || len(tx.Outputs) == 0 {
		return nil
	}

	addr, err := m.db.GetAddress(service, tx.From)
	if errors.Is(err, store.ErrNotFound) {
		return nil // not our spend
	}

	if err != nil {
		return err
	}

	out := tx.Outputs[0]

	amount := out.Amount
	if tx.FeeCurrency == out.Currency {
		amount = amount.Add(tx.Fee)
	}

	if err = m.virtualSpend(addr, out.Currency, amount, tx.Hash); err != nil {
		return err
	}

	if tx.FeeCurrency != out.Currency && tx.Fee.IsPositive() {
		// fee accounting under the fee currency is best effort
		if err = m.virtualSpend(addr, tx.FeeCurrency, tx.Fee, tx.Hash); err != nil {
			m.log.Warn().Err(err).Str("tx", tx.Hash).Msg("fee-side virtual spend failed")
		}
	}

	return nil
}

// virtualSpend burns amount from the address's unspent fundings in currency,
// marking all of them spent in spentIn and booking the positive remainder as
// one new virtual funding. This keeps "sum of unspent fundings = balance"
// true on chains without UTXOs.
func (m *Monitor) virtualSpend(addr store.Address, currency string, amount decimal.Decimal, spentIn string) error {
	service := m.client.Service()

	fundings, err := m.db.UnspentByAddress(service, addr.ID, currency)
	if err != nil {
		return err
	}

	if len(fundings) == 0 {
		return nil
	}

	total := decimal.Zero
	for _, f := range fundings {
		total = total.Add(f.Amount)
	}

	for _, f := range fundings {
		if err = m.db.SpendFundingByID(service, f.ID, spentIn); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	remainder := total.Sub(amount)
	if !remainder.IsPositive() {
		return nil
	}

	_, err = m.db.AddFunding(store.Funding{
		Service:         service,
		TransactionHash: spentIn,
		OutputIndex:     0,
		Type:            store.TypeVirtual,
		To:              addr.Address,
		Amount:          remainder,
		Currency:        currency,
		AddressID:       addr.ID,
		WalletID:        addr.WalletID,
		Status:          store.StatusConfirmed,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return nil // replay
	}

	return err
}

// creditFundings books every output paying an owned address.
func (m *Monitor) creditFundings(tx *ctypes.Tx, height int64) ([]mtypes.BalanceChange, error) {
	service := m.client.Service()

	var changes []mtypes.BalanceChange

	for _, out := range tx.Outputs {
		if !out.Amount.IsPositive() {
			continue
		}

		addr, err := m.db.GetAddress(service, out.To)
		if errors.Is(err, store.ErrNotFound) {
			continue // not ours
		}

		if err != nil {
			return nil, err
		}

		// token transfers only count for explicitly enabled contracts
		if out.Contract != "" {
			if _, err = m.db.GetTokenByContract(service, out.Contract); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}

				return nil, err
			}
		}

		// internal gas top-ups are not customer deposits
		if _, err = m.db.GetDistributionByTx(service, tx.Hash); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		ftype := store.TypeFunding
		if addr.Type != store.AddrUser {
			ftype = store.TypeMoveFund
		}

		_, err = m.db.AddFunding(store.Funding{
			Service:         service,
			TransactionHash: tx.Hash,
			OutputIndex:     out.Index,
			Type:            ftype,
			BlockHeight:     height,
			To:              out.To,
			From:            tx.From,
			Amount:          out.Amount,
			Currency:        out.Currency,
			AddressID:       addr.ID,
			WalletID:        addr.WalletID,
			Script:          out.Script,
			Status:          store.StatusConfirmed,
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue // replayed block
		}

		if err != nil {
			return nil, err
		}

		metrics.FundingsRecorded.WithLabelValues(service, out.Currency).Inc()

		changes = append(changes, mtypes.BalanceChange{
			Type:        mtypes.Deposit,
			Currency:    out.Currency,
			TxHash:      tx.Hash,
			OutputIndex: out.Index,
			From:        tx.From,
			To:          out.To,
			Tag:         addr.Memo,
			Status:      store.StatusConfirmed,
			Amount:      out.Amount,
		})
	}

	return changes, nil
}

// finalizeWithdrawals settles Withdraw rows whose broadcast landed in this
// block: success with the observed miner fee, or back in queue when the
// chain reports the transaction failed.
func (m *Monitor) finalizeWithdrawals(tx *ctypes.Tx) ([]mtypes.BalanceChange, error) {
	service := m.client.Service()

	var changes []mtypes.BalanceChange

	indexes := []uint32{0}
	if m.client.Model() == chain.UTXO {
		indexes = indexes[:0]
		for _, out := range tx.Outputs {
			indexes = append(indexes, out.Index)
		}
	}

	for _, idx := range indexes {
		w, err := m.db.GetWithdrawByTx(service, tx.Hash, idx)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if w.Status != store.WithdrawTransfered {
			continue // already finalized
		}

		if tx.Failed {
			if err = m.db.RequeueWithdraw(service, w.WithdrawalID); err != nil {
				return nil, err
			}

			metrics.WithdrawalsExecuted.WithLabelValues(service, "requeued").Inc()

			continue
		}

		if err = m.db.SetWithdrawSuccess(service, w.WithdrawalID, tx.Fee, tx.FeeCurrency); err != nil {
			return nil, err
		}

		metrics.WithdrawalsExecuted.WithLabelValues(service, store.WithdrawSuccess).Inc()

		changes = append(changes, mtypes.BalanceChange{
			Type:         mtypes.Withdrawal,
			Currency:     w.Asset,
			TxHash:       tx.Hash,
			OutputIndex:  idx,
			To:           w.Address,
			Tag:          w.Tag,
			Status:       store.WithdrawSuccess,
			Amount:       w.Amount,
			WithdrawalID: w.WithdrawalID,
		})
	}

	return changes, nil
}

// groupChanges collapses changes sharing (currency, txHash, outputIndex,
// from, to, tag, status) into one entry with the amounts summed.
func groupChanges(changes []mtypes.BalanceChange) []mtypes.BalanceChange {
	type key struct {
		currency, txHash        string
		outputIndex             uint32
		from, to, tag, status   string
	}

	idx := make(map[key]int)

	var out []mtypes.BalanceChange

	for _, c := range changes {
		k := key{c.Currency, c.TxHash, c.OutputIndex, c.From, c.To, c.Tag, c.Status}

		i, ok := idx[k]
		if !ok {
			idx[k] = len(out)
			out = append(out, c)

			continue
		}

		out[i].Amount = out[i].Amount.Add(c.Amount)
	}

	return out
}

// emitBlockEvent signs and publishes the block report, persisting an audit
// copy either way so failed deliveries can be reproduced later.
func (m *Monitor) emitBlockEvent(blk ctypes.Block, changes, withdrawals []mtypes.BalanceChange) error {
	service := m.client.Service()

	payload, err := json.Marshal(mtypes.BlockEvent{
		Service:              service,
		Height:               blk.Height,
		Hash:                 blk.Hash,
		Timestamp:            blk.Timestamp,
		Changes:              changes,
		ConfirmedWithdrawals: withdrawals,
	})
	if err != nil {
		return err
	}

	envelope := msg.Seal(m.eventKey, payload)

	status := store.EventSuccess
	if err = m.sink.EmitEvent(service, envelope); err != nil {
		m.log.Error().Err(err).Int64("height", blk.Height).Msg("event delivery failed")

		status = store.EventError
	}

	metrics.EventsEmitted.WithLabelValues(service, status).Inc()

	return m.db.SaveBlockEvent(store.BlockEvent{
		Service:   service,
		Payload:   string(payload),
		Status:    status,
		Signature: envelope.Signature,
	})
}

// reproduceEvents re-signs and re-emits audit events whose delivery failed.
// Runs alongside scanning; a slow sink never blocks block processing.
func (m *Monitor) reproduceEvents(ctx context.Context) {
	service := m.client.Service()

	events, err := m.db.FailedBlockEvents(service)
	if err != nil {
		m.log.Error().Err(err).Msg("cannot load failed events")

		return
	}

	for _, e := range events {
		sig := msg.Sign(m.eventKey, []byte(e.Payload))
		if sig != e.Signature {
			m.log.Error().Str("signature", e.Signature).Msg("stored event fails signature check, not re-emitting")

			continue
		}

		envelope := mtypes.Envelope{Signature: sig, Message: json.RawMessage(e.Payload)}
		if err = m.sink.EmitEvent(service, envelope); err != nil {
			m.log.Warn().Err(err).Msg("event re-delivery failed")

			continue
		}

		e.Status = store.EventSuccess
		if err = m.db.SaveBlockEvent(e); err != nil {
			m.log.Error().Err(err).Msg("cannot mark event delivered")
		}

		metrics.EventsEmitted.WithLabelValues(service, store.EventSuccess).Inc()
	}
}
