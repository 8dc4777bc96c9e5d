// Package postgres implements the ledger store for PostgreSQL.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/store"
)

// Postgres implements store.DB on a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_blocks (
		service TEXT PRIMARY KEY,
		height BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fundings (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		transaction_hash TEXT NOT NULL,
		output_index BIGINT NOT NULL,
		type TEXT NOT NULL,
		block_height BIGINT NOT NULL,
		to_addr TEXT NOT NULL,
		from_addr TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		address_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		script TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		spent_in TEXT NOT NULL DEFAULT '',
		is_used BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (service, transaction_hash, address_id, amount, output_index)
	)`,
	`CREATE TABLE IF NOT EXISTS withdraws (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		withdrawal_id TEXT NOT NULL,
		address TEXT NOT NULL,
		asset TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		status TEXT NOT NULL,
		transaction_hash TEXT NOT NULL DEFAULT '',
		output_index BIGINT NOT NULL DEFAULT 0,
		miner_fee NUMERIC NOT NULL DEFAULT 0,
		fee_currency TEXT NOT NULL DEFAULT '',
		retries INT NOT NULL DEFAULT 0,
		signature TEXT NOT NULL DEFAULT '',
		is_notified BOOLEAN NOT NULL DEFAULT FALSE,
		error_msg TEXT NOT NULL DEFAULT '',
		UNIQUE (service, withdrawal_id)
	)`,
	`CREATE TABLE IF NOT EXISTS move_funds (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		currency TEXT NOT NULL,
		address TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		miner_fee NUMERIC NOT NULL DEFAULT 0,
		fee_currency TEXT NOT NULL DEFAULT '',
		retries INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		transaction_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS distributions (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		currency TEXT NOT NULL,
		address TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		miner_fee NUMERIC NOT NULL DEFAULT 0,
		fee_currency TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		transaction_hash TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		address TEXT NOT NULL,
		type TEXT NOT NULL,
		path BIGINT NOT NULL,
		memo TEXT NOT NULL DEFAULT '',
		UNIQUE (service, address)
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id BIGSERIAL PRIMARY KEY,
		service TEXT NOT NULL,
		wallet_name TEXT NOT NULL,
		encrypted_key TEXT NOT NULL,
		encrypted_address TEXT NOT NULL DEFAULT '',
		UNIQUE (service, wallet_name)
	)`,
	`CREATE TABLE IF NOT EXISTS configs (
		service TEXT PRIMARY KEY,
		deposit_wallet_id TEXT NOT NULL DEFAULT '',
		withdraw_wallet_id TEXT NOT NULL DEFAULT '',
		distribution_wallet_id TEXT NOT NULL DEFAULT '',
		encrypted_cold_wallet TEXT NOT NULL DEFAULT '',
		is_notified BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS thresholds (
		service TEXT NOT NULL,
		token TEXT NOT NULL,
		notification_threshold NUMERIC NOT NULL,
		forwarding_threshold NUMERIC NOT NULL,
		minimum_deposit NUMERIC NOT NULL,
		PRIMARY KEY (service, token)
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		service TEXT NOT NULL,
		symbol TEXT NOT NULL,
		contract_address TEXT NOT NULL,
		decimals INT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (service, symbol),
		UNIQUE (service, contract_address)
	)`,
	`CREATE TABLE IF NOT EXISTS block_events (
		service TEXT NOT NULL,
		signature TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (service, signature)
	)`,
}

// New returns a postgres client connection to the specified database in
// 'connection' and creates any missing tables.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	for _, stmt := range schema {
		if _, err = db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("cannot create schema: %w", err)
		}
	}

	return &Postgres{db: db}, nil
}

// Close releases the database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// isDuplicate reports whether err is a unique constraint violation.
func isDuplicate(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// SyncHeight returns the processed-block checkpoint for the service.
func (p *Postgres) SyncHeight(service string) (int64, error) {
	var h int64

	err := p.db.QueryRow(`SELECT height FROM sync_blocks WHERE service = $1`, service).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("could not load sync block: %w", err)
	}

	return h, nil
}

// SetSyncHeight advances the checkpoint, creating it if absent.
func (p *Postgres) SetSyncHeight(service string, height int64) error {
	_, err := p.db.Exec(`INSERT INTO sync_blocks (service, height) VALUES ($1, $2)
		ON CONFLICT (service) DO UPDATE SET height = EXCLUDED.height`, service, height)

	return err
}

// AddFunding inserts a funding row. The unique constraint over (service,
// transaction_hash, address_id, amount, output_index) makes crediting
// idempotent.
func (p *Postgres) AddFunding(f store.Funding) (string, error) {
	var id string

	err := p.db.QueryRow(`INSERT INTO fundings
		(service, transaction_hash, output_index, type, block_height, to_addr, from_addr,
		 amount, currency, address_id, wallet_id, script, status, spent_in, is_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15) RETURNING id`,
		f.Service, f.TransactionHash, f.OutputIndex, f.Type, f.BlockHeight, f.To, f.From,
		f.Amount.String(), f.Currency, f.AddressID, f.WalletID, f.Script, f.Status, f.SpentIn, f.IsUsed,
	).Scan(&id)
	if isDuplicate(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert funding: %w", err)
	}

	return id, nil
}

const fundingCols = `id, service, transaction_hash, output_index, type, block_height, to_addr,
	from_addr, amount, currency, address_id, wallet_id, script, status, spent_in, is_used`

func scanFunding(row interface{ Scan(...interface{}) error }) (store.Funding, error) {
	var (
		f   store.Funding
		amt string
	)

	err := row.Scan(&f.ID, &f.Service, &f.TransactionHash, &f.OutputIndex, &f.Type, &f.BlockHeight,
		&f.To, &f.From, &amt, &f.Currency, &f.AddressID, &f.WalletID, &f.Script, &f.Status,
		&f.SpentIn, &f.IsUsed)
	if err != nil {
		return f, err
	}

	f.Amount, err = decimal.NewFromString(amt)

	return f, err
}

// GetFunding finds a funding by transaction hash and output index.
func (p *Postgres) GetFunding(service, txHash string, outputIndex uint32) (store.Funding, error) {
	f, err := scanFunding(p.db.QueryRow(`SELECT `+fundingCols+` FROM fundings
		WHERE service = $1 AND transaction_hash = $2 AND output_index = $3`,
		service, txHash, outputIndex))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Funding{}, store.ErrNotFound
	}

	if err != nil {
		return store.Funding{}, fmt.Errorf("could not load funding: %w", err)
	}

	return f, nil
}

func (p *Postgres) exec1(query string, args ...interface{}) error {
	res, err := p.db.Exec(query, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return store.ErrNotFound
	}

	return nil
}

// SpendFunding marks the matching unspent funding as spent. Only rows whose
// spent_in is still empty match, so a funding is spent at most once.
func (p *Postgres) SpendFunding(service, txHash string, outputIndex uint32, currency, spentIn string) error {
	return p.exec1(`UPDATE fundings SET spent_in = $5
		WHERE service = $1 AND transaction_hash = $2 AND output_index = $3 AND currency = $4
		AND spent_in = ''`,
		service, txHash, outputIndex, currency, spentIn)
}

// SpendFundingByID is SpendFunding keyed by row id.
func (p *Postgres) SpendFundingByID(service, id, spentIn string) error {
	return p.exec1(`UPDATE fundings SET spent_in = $3
		WHERE service = $1 AND id = $2::BIGINT AND spent_in = ''`, service, id, spentIn)
}

// UseFunding flags a funding as reserved by an in-flight transaction.
func (p *Postgres) UseFunding(service, id string) error {
	return p.exec1(`UPDATE fundings SET is_used = TRUE
		WHERE service = $1 AND id = $2::BIGINT`, service, id)
}

func (p *Postgres) queryFundings(query string, args ...interface{}) ([]store.Funding, error) {
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query fundings: %w", err)
	}
	defer rows.Close()

	var out []store.Funding

	for rows.Next() {
		f, err := scanFunding(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan funding: %w", err)
		}

		out = append(out, f)
	}

	return out, rows.Err()
}

const unspentCond = `spent_in = '' AND is_used = FALSE AND status = 'confirmed'`

// UnspentByAddress returns the spendable fundings of one address.
func (p *Postgres) UnspentByAddress(service, addressID, currency string) ([]store.Funding, error) {
	return p.queryFundings(`SELECT `+fundingCols+` FROM fundings
		WHERE service = $1 AND address_id = $2 AND currency = $3 AND `+unspentCond,
		service, addressID, currency)
}

// UnspentByWallet returns the spendable fundings of a wallet, smallest
// amount first.
func (p *Postgres) UnspentByWallet(service, walletID, currency string) ([]store.Funding, error) {
	return p.queryFundings(`SELECT `+fundingCols+` FROM fundings
		WHERE service = $1 AND wallet_id = $2 AND currency = $3 AND `+unspentCond+`
		ORDER BY amount ASC`,
		service, walletID, currency)
}

// WalletBalances sums unspent fundings of a wallet grouped by currency.
func (p *Postgres) WalletBalances(service, walletID string) (map[string]decimal.Decimal, error) {
	rows, err := p.db.Query(`SELECT currency, SUM(amount) FROM fundings
		WHERE service = $1 AND wallet_id = $2 AND spent_in = '' AND status = 'confirmed'
		GROUP BY currency`, service, walletID)
	if err != nil {
		return nil, fmt.Errorf("could not query balances: %w", err)
	}
	defer rows.Close()

	bal := make(map[string]decimal.Decimal)

	for rows.Next() {
		var cur, amt string
		if err = rows.Scan(&cur, &amt); err != nil {
			return nil, fmt.Errorf("could not scan balance: %w", err)
		}

		if bal[cur], err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("bad balance %q: %w", amt, err)
		}
	}

	return bal, rows.Err()
}

// AddressFunds sums unspent fundings per deposit address for one currency.
func (p *Postgres) AddressFunds(service, currency string) ([]store.AddressFunds, error) {
	rows, err := p.db.Query(`SELECT address_id, wallet_id, MIN(to_addr), SUM(amount) FROM fundings
		WHERE service = $1 AND currency = $2 AND `+unspentCond+`
		GROUP BY address_id, wallet_id`, service, currency)
	if err != nil {
		return nil, fmt.Errorf("could not query address funds: %w", err)
	}
	defer rows.Close()

	var out []store.AddressFunds

	for rows.Next() {
		var (
			af  store.AddressFunds
			amt string
		)

		if err = rows.Scan(&af.AddressID, &af.WalletID, &af.Address, &amt); err != nil {
			return nil, fmt.Errorf("could not scan address funds: %w", err)
		}

		if af.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amt, err)
		}

		out = append(out, af)
	}

	return out, rows.Err()
}

// WalletFunds sums unspent fundings per wallet for one currency.
func (p *Postgres) WalletFunds(service, currency string) ([]store.WalletFunds, error) {
	rows, err := p.db.Query(`SELECT wallet_id, SUM(amount) FROM fundings
		WHERE service = $1 AND currency = $2 AND `+unspentCond+`
		GROUP BY wallet_id`, service, currency)
	if err != nil {
		return nil, fmt.Errorf("could not query wallet funds: %w", err)
	}
	defer rows.Close()

	var out []store.WalletFunds

	for rows.Next() {
		var (
			wf  store.WalletFunds
			amt string
		)

		if err = rows.Scan(&wf.WalletID, &amt); err != nil {
			return nil, fmt.Errorf("could not scan wallet funds: %w", err)
		}

		if wf.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("bad amount %q: %w", amt, err)
		}

		out = append(out, wf)
	}

	return out, rows.Err()
}

// CreateWithdraw inserts a withdrawal unless the withdrawal_id is taken.
func (p *Postgres) CreateWithdraw(w store.Withdraw) error {
	_, err := p.db.Exec(`INSERT INTO withdraws
		(service, withdrawal_id, address, asset, tag, amount, status, miner_fee, fee_currency,
		 retries, signature, is_notified)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		w.Service, w.WithdrawalID, w.Address, w.Asset, w.Tag, w.Amount.String(), w.Status,
		w.MinerFee.String(), w.FeeCurrency, w.Retries, w.Signature, w.IsNotified)
	if isDuplicate(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert withdraw: %w", err)
	}

	return nil
}

const withdrawCols = `service, withdrawal_id, address, asset, tag, amount, status,
	transaction_hash, output_index, miner_fee, fee_currency, retries, signature, is_notified, error_msg`

func scanWithdraw(row interface{ Scan(...interface{}) error }) (store.Withdraw, error) {
	var (
		w        store.Withdraw
		amt, fee string
	)

	err := row.Scan(&w.Service, &w.WithdrawalID, &w.Address, &w.Asset, &w.Tag, &amt, &w.Status,
		&w.TransactionHash, &w.OutputIndex, &fee, &w.FeeCurrency, &w.Retries, &w.Signature,
		&w.IsNotified, &w.ErrorMsg)
	if err != nil {
		return w, err
	}

	if w.Amount, err = decimal.NewFromString(amt); err != nil {
		return w, err
	}

	w.MinerFee, err = decimal.NewFromString(fee)

	return w, err
}

// PendingWithdraws returns up to limit queued withdrawals, oldest first.
func (p *Postgres) PendingWithdraws(service string, limit int64) ([]store.Withdraw, error) {
	rows, err := p.db.Query(`SELECT `+withdrawCols+` FROM withdraws
		WHERE service = $1 AND status = $2 ORDER BY id ASC LIMIT $3`,
		service, store.WithdrawInqueue, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query withdraws: %w", err)
	}
	defer rows.Close()

	var out []store.Withdraw

	for rows.Next() {
		w, err := scanWithdraw(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan withdraw: %w", err)
		}

		out = append(out, w)
	}

	return out, rows.Err()
}

func (p *Postgres) getWithdraw(query string, args ...interface{}) (store.Withdraw, error) {
	w, err := scanWithdraw(p.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return store.Withdraw{}, store.ErrNotFound
	}

	if err != nil {
		return store.Withdraw{}, fmt.Errorf("could not load withdraw: %w", err)
	}

	return w, nil
}

// GetWithdraw finds a withdrawal by its external id.
func (p *Postgres) GetWithdraw(service, withdrawalID string) (store.Withdraw, error) {
	return p.getWithdraw(`SELECT `+withdrawCols+` FROM withdraws
		WHERE service = $1 AND withdrawal_id = $2`, service, withdrawalID)
}

// GetWithdrawByTx finds a withdrawal by broadcast hash and output index.
func (p *Postgres) GetWithdrawByTx(service, txHash string, outputIndex uint32) (store.Withdraw, error) {
	return p.getWithdraw(`SELECT `+withdrawCols+` FROM withdraws
		WHERE service = $1 AND transaction_hash = $2 AND output_index = $3`,
		service, txHash, outputIndex)
}

// SetWithdrawTransfered records the broadcast and moves the row to
// transfered.
func (p *Postgres) SetWithdrawTransfered(service, withdrawalID, txHash string, outputIndex uint32) error {
	return p.exec1(`UPDATE withdraws SET status = $3, transaction_hash = $4, output_index = $5
		WHERE service = $1 AND withdrawal_id = $2`,
		service, withdrawalID, store.WithdrawTransfered, txHash, outputIndex)
}

// SetWithdrawSuccess finalizes a confirmed withdrawal.
func (p *Postgres) SetWithdrawSuccess(service, withdrawalID string, minerFee decimal.Decimal, feeCurrency string) error {
	return p.exec1(`UPDATE withdraws SET status = $3, miner_fee = $4, fee_currency = $5
		WHERE service = $1 AND withdrawal_id = $2`,
		service, withdrawalID, store.WithdrawSuccess, minerFee.String(), feeCurrency)
}

// RequeueWithdraw puts a failed withdrawal back in queue.
func (p *Postgres) RequeueWithdraw(service, withdrawalID string) error {
	return p.exec1(`UPDATE withdraws SET status = $3, transaction_hash = '', output_index = 0,
		retries = retries + 1
		WHERE service = $1 AND withdrawal_id = $2`,
		service, withdrawalID, store.WithdrawInqueue)
}

// RejectWithdraw marks a withdrawal permanently failed.
func (p *Postgres) RejectWithdraw(service, withdrawalID, reason string) error {
	return p.exec1(`UPDATE withdraws SET status = $3, error_msg = $4
		WHERE service = $1 AND withdrawal_id = $2`,
		service, withdrawalID, store.WithdrawRejected, reason)
}

// SetWithdrawNotified flags the withdrawal as reported downstream.
func (p *Postgres) SetWithdrawNotified(service, withdrawalID string) error {
	return p.exec1(`UPDATE withdraws SET is_notified = TRUE
		WHERE service = $1 AND withdrawal_id = $2`, service, withdrawalID)
}

// AddMoveFund appends a sweep audit record.
func (p *Postgres) AddMoveFund(m store.MoveFund) error {
	_, err := p.db.Exec(`INSERT INTO move_funds
		(service, currency, address, amount, miner_fee, fee_currency, retries, status, transaction_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.Service, m.Currency, m.Address, m.Amount.String(), m.MinerFee.String(), m.FeeCurrency,
		m.Retries, m.Status, m.TransactionHash)
	if err != nil {
		return fmt.Errorf("could not insert move fund: %w", err)
	}

	return nil
}

// AddDistribution appends a gas top-up audit record.
func (p *Postgres) AddDistribution(d store.Distribution) error {
	_, err := p.db.Exec(`INSERT INTO distributions
		(service, currency, address, amount, miner_fee, fee_currency, status, transaction_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.Service, d.Currency, d.Address, d.Amount.String(), d.MinerFee.String(), d.FeeCurrency,
		d.Status, d.TransactionHash)
	if err != nil {
		return fmt.Errorf("could not insert distribution: %w", err)
	}

	return nil
}

// GetDistributionByTx finds a top-up by transaction hash.
func (p *Postgres) GetDistributionByTx(service, txHash string) (store.Distribution, error) {
	var (
		d        store.Distribution
		amt, fee string
	)

	err := p.db.QueryRow(`SELECT service, currency, address, amount, miner_fee, fee_currency,
		status, transaction_hash FROM distributions
		WHERE service = $1 AND transaction_hash = $2`, service, txHash).
		Scan(&d.Service, &d.Currency, &d.Address, &amt, &fee, &d.FeeCurrency, &d.Status, &d.TransactionHash)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Distribution{}, store.ErrNotFound
	}

	if err != nil {
		return store.Distribution{}, fmt.Errorf("could not load distribution: %w", err)
	}

	if d.Amount, err = decimal.NewFromString(amt); err != nil {
		return store.Distribution{}, fmt.Errorf("bad amount %q: %w", amt, err)
	}

	if d.MinerFee, err = decimal.NewFromString(fee); err != nil {
		return store.Distribution{}, fmt.Errorf("bad minerFee %q: %w", fee, err)
	}

	return d, nil
}

// AddAddress saves an address if the chain address is not already known.
func (p *Postgres) AddAddress(a store.Address) (string, error) {
	var id string

	err := p.db.QueryRow(`INSERT INTO addresses (service, wallet_id, address, type, path, memo)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		a.Service, a.WalletID, a.Address, a.Type, a.Path, a.Memo).Scan(&id)
	if isDuplicate(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert address: %w", err)
	}

	return id, nil
}

func (p *Postgres) getAddress(query string, args ...interface{}) (store.Address, error) {
	var a store.Address

	err := p.db.QueryRow(query, args...).
		Scan(&a.ID, &a.Service, &a.WalletID, &a.Address, &a.Type, &a.Path, &a.Memo)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Address{}, store.ErrNotFound
	}

	if err != nil {
		return store.Address{}, fmt.Errorf("could not load address: %w", err)
	}

	return a, nil
}

// GetAddress finds an address row by its chain address.
func (p *Postgres) GetAddress(service, address string) (store.Address, error) {
	return p.getAddress(`SELECT id, service, wallet_id, address, type, path, memo FROM addresses
		WHERE service = $1 AND address = $2`, service, address)
}

// GetAddressByID finds an address row by id.
func (p *Postgres) GetAddressByID(service, id string) (store.Address, error) {
	return p.getAddress(`SELECT id, service, wallet_id, address, type, path, memo FROM addresses
		WHERE service = $1 AND id = $2::BIGINT`, service, id)
}

// NextAddressPath returns the next unused derivation index for a wallet.
func (p *Postgres) NextAddressPath(service, walletID string) (uint32, error) {
	var next uint32

	err := p.db.QueryRow(`SELECT COALESCE(MAX(path) + 1, 0) FROM addresses
		WHERE service = $1 AND wallet_id = $2`, service, walletID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("could not load address path: %w", err)
	}

	return next, nil
}

// AddWallet saves a wallet if the name is free.
func (p *Postgres) AddWallet(w store.Wallet) (string, error) {
	var id string

	err := p.db.QueryRow(`INSERT INTO wallets (service, wallet_name, encrypted_key, encrypted_address)
		VALUES ($1,$2,$3,$4) RETURNING id`,
		w.Service, w.WalletName, w.EncryptedKey, w.EncryptedAddress).Scan(&id)
	if isDuplicate(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert wallet: %w", err)
	}

	return id, nil
}

func (p *Postgres) getWallet(query string, args ...interface{}) (store.Wallet, error) {
	var w store.Wallet

	err := p.db.QueryRow(query, args...).
		Scan(&w.ID, &w.Service, &w.WalletName, &w.EncryptedKey, &w.EncryptedAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Wallet{}, store.ErrNotFound
	}

	if err != nil {
		return store.Wallet{}, fmt.Errorf("could not load wallet: %w", err)
	}

	return w, nil
}

// GetWallet finds a wallet by id.
func (p *Postgres) GetWallet(service, id string) (store.Wallet, error) {
	return p.getWallet(`SELECT id, service, wallet_name, encrypted_key, encrypted_address FROM wallets
		WHERE service = $1 AND id = $2::BIGINT`, service, id)
}

// GetWalletByName finds a wallet by name.
func (p *Postgres) GetWalletByName(service, name string) (store.Wallet, error) {
	return p.getWallet(`SELECT id, service, wallet_name, encrypted_key, encrypted_address FROM wallets
		WHERE service = $1 AND wallet_name = $2`, service, name)
}

// SetWalletAddress stores the encrypted settlement address of a wallet.
func (p *Postgres) SetWalletAddress(service, id, encryptedAddress string) error {
	return p.exec1(`UPDATE wallets SET encrypted_address = $3
		WHERE service = $1 AND id = $2::BIGINT`, service, id, encryptedAddress)
}

// GetConfig returns the routing config of a service.
func (p *Postgres) GetConfig(service string) (store.WalletConfig, error) {
	var c store.WalletConfig

	err := p.db.QueryRow(`SELECT service, deposit_wallet_id, withdraw_wallet_id,
		distribution_wallet_id, encrypted_cold_wallet, is_notified FROM configs
		WHERE service = $1`, service).
		Scan(&c.Service, &c.DepositWalletID, &c.WithdrawWalletID, &c.DistributionWalletID,
			&c.EncryptedColdWallet, &c.IsNotified)
	if errors.Is(err, sql.ErrNoRows) {
		return store.WalletConfig{}, store.ErrNotFound
	}

	if err != nil {
		return store.WalletConfig{}, fmt.Errorf("could not load config: %w", err)
	}

	return c, nil
}

// SetConfig upserts the routing config of a service.
func (p *Postgres) SetConfig(c store.WalletConfig) error {
	_, err := p.db.Exec(`INSERT INTO configs
		(service, deposit_wallet_id, withdraw_wallet_id, distribution_wallet_id, encrypted_cold_wallet, is_notified)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (service) DO UPDATE SET
			deposit_wallet_id = EXCLUDED.deposit_wallet_id,
			withdraw_wallet_id = EXCLUDED.withdraw_wallet_id,
			distribution_wallet_id = EXCLUDED.distribution_wallet_id,
			encrypted_cold_wallet = EXCLUDED.encrypted_cold_wallet,
			is_notified = EXCLUDED.is_notified`,
		c.Service, c.DepositWalletID, c.WithdrawWalletID, c.DistributionWalletID,
		c.EncryptedColdWallet, c.IsNotified)

	return err
}

// SetThreshold upserts the threshold row for (service, token).
func (p *Postgres) SetThreshold(t store.WalletThreshold) error {
	_, err := p.db.Exec(`INSERT INTO thresholds
		(service, token, notification_threshold, forwarding_threshold, minimum_deposit)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (service, token) DO UPDATE SET
			notification_threshold = EXCLUDED.notification_threshold,
			forwarding_threshold = EXCLUDED.forwarding_threshold,
			minimum_deposit = EXCLUDED.minimum_deposit`,
		t.Service, t.Token, t.NotificationThreshold.String(), t.ForwardingThreshold.String(),
		t.MinimumDeposit.String())

	return err
}

func scanThreshold(row interface{ Scan(...interface{}) error }) (store.WalletThreshold, error) {
	var (
		t             store.WalletThreshold
		not, fwd, min string
	)

	err := row.Scan(&t.Service, &t.Token, &not, &fwd, &min)
	if err != nil {
		return t, err
	}

	if t.NotificationThreshold, err = decimal.NewFromString(not); err != nil {
		return t, err
	}

	if t.ForwardingThreshold, err = decimal.NewFromString(fwd); err != nil {
		return t, err
	}

	t.MinimumDeposit, err = decimal.NewFromString(min)

	return t, err
}

// GetThreshold returns the threshold row for (service, token).
func (p *Postgres) GetThreshold(service, token string) (store.WalletThreshold, error) {
	t, err := scanThreshold(p.db.QueryRow(`SELECT service, token, notification_threshold,
		forwarding_threshold, minimum_deposit FROM thresholds
		WHERE service = $1 AND token = $2`, service, token))
	if errors.Is(err, sql.ErrNoRows) {
		return store.WalletThreshold{}, store.ErrNotFound
	}

	if err != nil {
		return store.WalletThreshold{}, fmt.Errorf("could not load threshold: %w", err)
	}

	return t, nil
}

// GetThresholds returns all threshold rows of a service.
func (p *Postgres) GetThresholds(service string) ([]store.WalletThreshold, error) {
	rows, err := p.db.Query(`SELECT service, token, notification_threshold, forwarding_threshold,
		minimum_deposit FROM thresholds WHERE service = $1 ORDER BY token`, service)
	if err != nil {
		return nil, fmt.Errorf("could not query thresholds: %w", err)
	}
	defer rows.Close()

	var out []store.WalletThreshold

	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan threshold: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// AddToken registers a token contract.
func (p *Postgres) AddToken(t store.Token) error {
	_, err := p.db.Exec(`INSERT INTO tokens (service, symbol, contract_address, decimals, enabled)
		VALUES ($1,$2,$3,$4,$5)`,
		t.Service, t.Symbol, t.ContractAddress, t.Decimals, t.Enabled)
	if isDuplicate(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert token: %w", err)
	}

	return nil
}

func (p *Postgres) getToken(query string, args ...interface{}) (store.Token, error) {
	var t store.Token

	err := p.db.QueryRow(query, args...).
		Scan(&t.Service, &t.Symbol, &t.ContractAddress, &t.Decimals, &t.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Token{}, store.ErrNotFound
	}

	if err != nil {
		return store.Token{}, fmt.Errorf("could not load token: %w", err)
	}

	return t, nil
}

// GetToken finds an enabled token by symbol.
func (p *Postgres) GetToken(service, symbol string) (store.Token, error) {
	return p.getToken(`SELECT service, symbol, contract_address, decimals, enabled FROM tokens
		WHERE service = $1 AND symbol = $2 AND enabled`, service, symbol)
}

// GetTokenByContract finds an enabled token by contract address.
func (p *Postgres) GetTokenByContract(service, contract string) (store.Token, error) {
	return p.getToken(`SELECT service, symbol, contract_address, decimals, enabled FROM tokens
		WHERE service = $1 AND contract_address = $2 AND enabled`, service, contract)
}

// Tokens returns all enabled tokens of a service.
func (p *Postgres) Tokens(service string) ([]store.Token, error) {
	rows, err := p.db.Query(`SELECT service, symbol, contract_address, decimals, enabled FROM tokens
		WHERE service = $1 AND enabled ORDER BY symbol`, service)
	if err != nil {
		return nil, fmt.Errorf("could not query tokens: %w", err)
	}
	defer rows.Close()

	var out []store.Token

	for rows.Next() {
		var t store.Token
		if err = rows.Scan(&t.Service, &t.Symbol, &t.ContractAddress, &t.Decimals, &t.Enabled); err != nil {
			return nil, fmt.Errorf("could not scan token: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// SaveBlockEvent upserts the audit copy of an emitted event.
func (p *Postgres) SaveBlockEvent(e store.BlockEvent) error {
	_, err := p.db.Exec(`INSERT INTO block_events (service, signature, payload, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (service, signature) DO UPDATE SET
			payload = EXCLUDED.payload, status = EXCLUDED.status`,
		e.Service, e.Signature, e.Payload, e.Status)

	return err
}

// FailedBlockEvents returns the events whose delivery failed.
func (p *Postgres) FailedBlockEvents(service string) ([]store.BlockEvent, error) {
	rows, err := p.db.Query(`SELECT service, signature, payload, status FROM block_events
		WHERE service = $1 AND status = $2`, service, store.EventError)
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer rows.Close()

	var out []store.BlockEvent

	for rows.Next() {
		var e store.BlockEvent
		if err = rows.Scan(&e.Service, &e.Signature, &e.Payload, &e.Status); err != nil {
			return nil, fmt.Errorf("could not scan event: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}
