// Package memory implements store.DB on in-process maps. It backs unit tests
// and single-node development setups; nothing survives a restart.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/store"
)

// Memory implements store.DB.
type Memory struct {
	mu sync.Mutex

	seq           int
	syncBlocks    map[string]int64
	fundings      []*store.Funding
	withdraws     []*store.Withdraw
	moveFunds     []store.MoveFund
	distributions []store.Distribution
	addresses     []*store.Address
	wallets       []*store.Wallet
	configs       map[string]store.WalletConfig
	thresholds    map[string]store.WalletThreshold
	tokens        []store.Token
	events        map[string]store.BlockEvent
}

// New returns an empty in-memory store.
func New() *Memory {
	return &Memory{
		syncBlocks: make(map[string]int64),
		configs:    make(map[string]store.WalletConfig),
		thresholds: make(map[string]store.WalletThreshold),
		events:     make(map[string]store.BlockEvent),
	}
}

// Close implements store.DB.
func (m *Memory) Close() error { return nil }

func (m *Memory) nextID() string {
	m.seq++
	return fmt.Sprintf("%06d", m.seq)
}

// SyncHeight implements store.DB.
func (m *Memory) SyncHeight(service string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.syncBlocks[service]
	if !ok {
		return 0, store.ErrNotFound
	}
	return h, nil
}

// SetSyncHeight implements store.DB.
func (m *Memory) SetSyncHeight(service string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncBlocks[service] = height
	return nil
}

// AddFunding implements store.DB.
func (m *Memory) AddFunding(f store.Funding) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.fundings {
		if x.Service == f.Service && x.TransactionHash == f.TransactionHash &&
			x.AddressID == f.AddressID && x.OutputIndex == f.OutputIndex &&
			x.Amount.Equal(f.Amount) {
			return "", store.ErrDuplicate
		}
	}
	f.ID = m.nextID()
	cp := f
	m.fundings = append(m.fundings, &cp)
	return f.ID, nil
}

// GetFunding implements store.DB.
func (m *Memory) GetFunding(service, txHash string, outputIndex uint32) (store.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.fundings {
		if x.Service == service && x.TransactionHash == txHash && x.OutputIndex == outputIndex {
			return *x, nil
		}
	}
	return store.Funding{}, store.ErrNotFound
}

// SpendFunding implements store.DB.
func (m *Memory) SpendFunding(service, txHash string, outputIndex uint32, currency, spentIn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.fundings {
		if x.Service == service && x.TransactionHash == txHash &&
			x.OutputIndex == outputIndex && x.Currency == currency && x.SpentIn == "" {
			x.SpentIn = spentIn
			return nil
		}
	}
	return store.ErrNotFound
}

// SpendFundingByID implements store.DB.
func (m *Memory) SpendFundingByID(service, id, spentIn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.fundings {
		if x.Service == service && x.ID == id && x.SpentIn == "" {
			x.SpentIn = spentIn
			return nil
		}
	}
	return store.ErrNotFound
}

// UseFunding implements store.DB.
func (m *Memory) UseFunding(service, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.fundings {
		if x.Service == service && x.ID == id {
			x.IsUsed = true
			return nil
		}
	}
	return store.ErrNotFound
}

// UnspentByAddress implements store.DB.
func (m *Memory) UnspentByAddress(service, addressID, currency string) ([]store.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Funding
	for _, x := range m.fundings {
		if x.Service == service && x.AddressID == addressID && x.Currency == currency &&
			x.SpentIn == "" && !x.IsUsed && x.Status == store.StatusConfirmed {
			out = append(out, *x)
		}
	}
	return out, nil
}

// UnspentByWallet implements store.DB.
func (m *Memory) UnspentByWallet(service, walletID, currency string) ([]store.Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Funding
	for _, x := range m.fundings {
		if x.Service == service && x.WalletID == walletID && x.Currency == currency &&
			x.SpentIn == "" && !x.IsUsed && x.Status == store.StatusConfirmed {
			out = append(out, *x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount.LessThan(out[j].Amount) })
	return out, nil
}

// WalletBalances implements store.DB.
func (m *Memory) WalletBalances(service, walletID string) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := make(map[string]decimal.Decimal)
	for _, x := range m.fundings {
		if x.Service == service && x.WalletID == walletID &&
			x.SpentIn == "" && x.Status == store.StatusConfirmed {
			bal[x.Currency] = bal[x.Currency].Add(x.Amount)
		}
	}
	return bal, nil
}

// AddressFunds implements store.DB.
func (m *Memory) AddressFunds(service, currency string) ([]store.AddressFunds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := make(map[string]int)
	var out []store.AddressFunds
	for _, x := range m.fundings {
		if x.Service != service || x.Currency != currency ||
			x.SpentIn != "" || x.IsUsed || x.Status != store.StatusConfirmed {
			continue
		}
		i, ok := idx[x.AddressID]
		if !ok {
			i = len(out)
			idx[x.AddressID] = i
			out = append(out, store.AddressFunds{AddressID: x.AddressID, WalletID: x.WalletID, Address: x.To})
		}
		out[i].Amount = out[i].Amount.Add(x.Amount)
	}
	return out, nil
}

// WalletFunds implements store.DB.
func (m *Memory) WalletFunds(service, currency string) ([]store.WalletFunds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := make(map[string]int)
	var out []store.WalletFunds
	for _, x := range m.fundings {
		if x.Service != service || x.Currency != currency ||
			x.SpentIn != "" || x.IsUsed || x.Status != store.StatusConfirmed {
			continue
		}
		i, ok := idx[x.WalletID]
		if !ok {
			i = len(out)
			idx[x.WalletID] = i
			out = append(out, store.WalletFunds{WalletID: x.WalletID})
		}
		out[i].Amount = out[i].Amount.Add(x.Amount)
	}
	return out, nil
}

// CreateWithdraw implements store.DB.
func (m *Memory) CreateWithdraw(w store.Withdraw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.withdraws {
		if x.Service == w.Service && x.WithdrawalID == w.WithdrawalID {
			return store.ErrDuplicate
		}
	}
	cp := w
	m.withdraws = append(m.withdraws, &cp)
	return nil
}

// PendingWithdraws implements store.DB.
func (m *Memory) PendingWithdraws(service string, limit int64) ([]store.Withdraw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Withdraw
	for _, x := range m.withdraws {
		if x.Service == service && x.Status == store.WithdrawInqueue {
			out = append(out, *x)
			if int64(len(out)) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) findWithdraw(service, withdrawalID string) (*store.Withdraw, error) {
	for _, x := range m.withdraws {
		if x.Service == service && x.WithdrawalID == withdrawalID {
			return x, nil
		}
	}
	return nil, store.ErrNotFound
}

// GetWithdraw implements store.DB.
func (m *Memory) GetWithdraw(service, withdrawalID string) (store.Withdraw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return store.Withdraw{}, err
	}
	return *w, nil
}

// GetWithdrawByTx implements store.DB.
func (m *Memory) GetWithdrawByTx(service, txHash string, outputIndex uint32) (store.Withdraw, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.withdraws {
		if x.Service == service && x.TransactionHash == txHash && x.OutputIndex == outputIndex {
			return *x, nil
		}
	}
	return store.Withdraw{}, store.ErrNotFound
}

// SetWithdrawTransfered implements store.DB.
func (m *Memory) SetWithdrawTransfered(service, withdrawalID, txHash string, outputIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return err
	}
	w.Status = store.WithdrawTransfered
	w.TransactionHash = txHash
	w.OutputIndex = outputIndex
	return nil
}

// SetWithdrawSuccess implements store.DB.
func (m *Memory) SetWithdrawSuccess(service, withdrawalID string, minerFee decimal.Decimal, feeCurrency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return err
	}
	w.Status = store.WithdrawSuccess
	w.MinerFee = minerFee
	w.FeeCurrency = feeCurrency
	return nil
}

// RequeueWithdraw implements store.DB.
func (m *Memory) RequeueWithdraw(service, withdrawalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return err
	}
	w.Status = store.WithdrawInqueue
	w.TransactionHash = ""
	w.OutputIndex = 0
	w.Retries++
	return nil
}

// RejectWithdraw implements store.DB.
func (m *Memory) RejectWithdraw(service, withdrawalID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return err
	}
	w.Status = store.WithdrawRejected
	w.ErrorMsg = reason
	return nil
}

// SetWithdrawNotified implements store.DB.
func (m *Memory) SetWithdrawNotified(service, withdrawalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.findWithdraw(service, withdrawalID)
	if err != nil {
		return err
	}
	w.IsNotified = true
	return nil
}

// AddMoveFund implements store.DB.
func (m *Memory) AddMoveFund(mf store.MoveFund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moveFunds = append(m.moveFunds, mf)
	return nil
}

// AddDistribution implements store.DB.
func (m *Memory) AddDistribution(d store.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributions = append(m.distributions, d)
	return nil
}

// GetDistributionByTx implements store.DB.
func (m *Memory) GetDistributionByTx(service, txHash string) (store.Distribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.distributions {
		if d.Service == service && d.TransactionHash == txHash {
			return d, nil
		}
	}
	return store.Distribution{}, store.ErrNotFound
}

// AddAddress implements store.DB.
func (m *Memory) AddAddress(a store.Address) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.addresses {
		if x.Service == a.Service && x.Address == a.Address {
			return "", store.ErrDuplicate
		}
	}
	a.ID = m.nextID()
	cp := a
	m.addresses = append(m.addresses, &cp)
	return a.ID, nil
}

// GetAddress implements store.DB.
func (m *Memory) GetAddress(service, address string) (store.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.addresses {
		if x.Service == service && x.Address == address {
			return *x, nil
		}
	}
	return store.Address{}, store.ErrNotFound
}

// GetAddressByID implements store.DB.
func (m *Memory) GetAddressByID(service, id string) (store.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.addresses {
		if x.Service == service && x.ID == id {
			return *x, nil
		}
	}
	return store.Address{}, store.ErrNotFound
}

// NextAddressPath implements store.DB.
func (m *Memory) NextAddressPath(service, walletID string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next uint32
	for _, x := range m.addresses {
		if x.Service == service && x.WalletID == walletID && x.Path >= next {
			next = x.Path + 1
		}
	}
	return next, nil
}

// AddWallet implements store.DB.
func (m *Memory) AddWallet(w store.Wallet) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.wallets {
		if x.Service == w.Service && x.WalletName == w.WalletName {
			return "", store.ErrDuplicate
		}
	}
	w.ID = m.nextID()
	cp := w
	m.wallets = append(m.wallets, &cp)
	return w.ID, nil
}

// GetWallet implements store.DB.
func (m *Memory) GetWallet(service, id string) (store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.wallets {
		if x.Service == service && x.ID == id {
			return *x, nil
		}
	}
	return store.Wallet{}, store.ErrNotFound
}

// GetWalletByName implements store.DB.
func (m *Memory) GetWalletByName(service, name string) (store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.wallets {
		if x.Service == service && x.WalletName == name {
			return *x, nil
		}
	}
	return store.Wallet{}, store.ErrNotFound
}

// SetWalletAddress implements store.DB.
func (m *Memory) SetWalletAddress(service, id, encryptedAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.wallets {
		if x.Service == service && x.ID == id {
			x.EncryptedAddress = encryptedAddress
			return nil
		}
	}
	return store.ErrNotFound
}

// GetConfig implements store.DB.
func (m *Memory) GetConfig(service string) (store.WalletConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[service]
	if !ok {
		return store.WalletConfig{}, store.ErrNotFound
	}
	return c, nil
}

// SetConfig implements store.DB.
func (m *Memory) SetConfig(c store.WalletConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[c.Service] = c
	return nil
}

// SetThreshold implements store.DB.
func (m *Memory) SetThreshold(t store.WalletThreshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.Service+"/"+t.Token] = t
	return nil
}

// GetThreshold implements store.DB.
func (m *Memory) GetThreshold(service, token string) (store.WalletThreshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.thresholds[service+"/"+token]
	if !ok {
		return store.WalletThreshold{}, store.ErrNotFound
	}
	return t, nil
}

// GetThresholds implements store.DB.
func (m *Memory) GetThresholds(service string) ([]store.WalletThreshold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WalletThreshold
	for _, t := range m.thresholds {
		if t.Service == service {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// AddToken implements store.DB.
func (m *Memory) AddToken(t store.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.tokens {
		if x.Service == t.Service && (x.Symbol == t.Symbol || x.ContractAddress == t.ContractAddress) {
			return store.ErrDuplicate
		}
	}
	m.tokens = append(m.tokens, t)
	return nil
}

// GetToken implements store.DB.
func (m *Memory) GetToken(service, symbol string) (store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.tokens {
		if x.Service == service && x.Symbol == symbol && x.Enabled {
			return x, nil
		}
	}
	return store.Token{}, store.ErrNotFound
}

// GetTokenByContract implements store.DB.
func (m *Memory) GetTokenByContract(service, contract string) (store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.tokens {
		if x.Service == service && x.ContractAddress == contract && x.Enabled {
			return x, nil
		}
	}
	return store.Token{}, store.ErrNotFound
}

// Tokens implements store.DB.
func (m *Memory) Tokens(service string) ([]store.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Token
	for _, x := range m.tokens {
		if x.Service == service && x.Enabled {
			out = append(out, x)
		}
	}
	return out, nil
}

// SaveBlockEvent implements store.DB.
func (m *Memory) SaveBlockEvent(e store.BlockEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.Service+"/"+e.Signature] = e
	return nil
}

// FailedBlockEvents implements store.DB.
func (m *Memory) FailedBlockEvents(service string) ([]store.BlockEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.BlockEvent
	for _, e := range m.events {
		if e.Service == service && e.Status == store.EventError {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out, nil
}
