package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tarancss/ethcli"

	"github.com/opencustody/walletd/lib/msg"
	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/wallet"
)

// SignatureHeader carries the hex HMAC of the raw request body.
const SignatureHeader = "X-Signature"

const maxBodyBytes = 1 << 20

// Errors returned to client requests.
var (
	ErrBadSignature = errors.New("missing or invalid request signature")
	ErrBadRequest   = errors.New("bad request")
	ErrNoNet        = errors.New("network not available")
	ErrNoAsset      = errors.New("asset not supported")
	ErrBadAddress   = errors.New("invalid address")
	ErrDuplicate    = errors.New("duplicate withdrawal")
	ErrNotEVM       = errors.New("tokens are only supported on evm networks")
)

// Response defines the data structure returned to the client making the http
// request.
type Response struct {
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeRes(rw http.ResponseWriter, status int, res *Response) {
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(res)
}

// reply encodes payload, or the error with the given status when err is not
// nil. Meant to run deferred so every return path answers the client.
func (g *Gateway) reply(rw http.ResponseWriter, r *http.Request, payload interface{}, err *error, errStatus int) {
	var res Response

	status := http.StatusOK

	if *err != nil {
		res.Error = fmt.Sprintf("%s", *err)
		status = errStatus
	} else if payload != nil {
		tmp, _ := json.Marshal(payload)
		res.Body = string(tmp)
	}

	g.log.Info().Str("from", r.RemoteAddr).Str("uri", r.RequestURI).
		Int("status", status).Err(*err).Msg("httpreq")

	writeRes(rw, status, &res)
}

// signed authenticates the request body against the intake key and hands the
// handler a replayable body.
func (g *Gateway) signed(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeRes(rw, http.StatusBadRequest, &Response{Error: ErrBadRequest.Error()})

			return
		}

		if msg.Sign(g.intakeKey, body) != r.Header.Get(SignatureHeader) {
			g.log.Warn().Str("from", r.RemoteAddr).Str("uri", r.RequestURI).Msg("bad request signature")
			writeRes(rw, http.StatusUnauthorized, &Response{Error: ErrBadSignature.Error()})

			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		h(rw, r)
	}
}

func (g *Gateway) healthHandler(rw http.ResponseWriter, _ *http.Request) {
	writeRes(rw, http.StatusOK, &Response{Body: `"ok"`})
}

// networksHandler replies the chains available to the gateway.
func (g *Gateway) networksHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	pl := make([]string, 0, len(g.bc))

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	for net := range g.bc {
		pl = append(pl, net)
	}
}

type walletReq struct {
	Service    string `json:"service"`
	WalletName string `json:"walletName"`
	Passphrase string `json:"passphrase"`
}

type walletRes struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Mnemonic string `json:"mnemonic"`
}

// createWalletHandler provisions a new HD wallet: the generated mnemonic is
// returned exactly once and only the encrypted seed is kept at rest. The
// settlement address sits at derivation index 0.
func (g *Gateway) createWalletHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  walletRes
	)

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	var req walletReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	client, ok := g.bc[req.Service]
	if !ok {
		err = ErrNoNet

		return
	}

	mnemonic, err := wallet.NewMnemonic()
	if err != nil {
		return
	}

	seed, err := wallet.Seed(mnemonic, req.Passphrase)
	if err != nil {
		return
	}

	kc, err := wallet.NewKeychain(seed)
	if err != nil {
		return
	}

	_, key, err := kc.Address(0, 0)
	if err != nil {
		return
	}

	address, err := client.AddressFromKey(key)
	if err != nil {
		return
	}

	encKey, err := wallet.Encrypt(g.cipherKey, seed)
	if err != nil {
		return
	}

	encAddr, err := wallet.Encrypt(g.cipherKey, []byte(address))
	if err != nil {
		return
	}

	id, err := g.db.AddWallet(store.Wallet{
		Service:          req.Service,
		WalletName:       req.WalletName,
		EncryptedKey:     encKey,
		EncryptedAddress: encAddr,
	})
	if err != nil {
		return
	}

	if _, err = g.db.AddAddress(store.Address{
		Service:  req.Service,
		WalletID: id,
		Address:  address,
		Type:     store.AddrSettlement,
		Path:     0,
	}); err != nil {
		return
	}

	pl = walletRes{ID: id, Address: address, Mnemonic: mnemonic}
}

type configReq struct {
	Service              string `json:"service"`
	DepositWalletID      string `json:"depositWalletId"`
	WithdrawWalletID     string `json:"withdrawWalletId"`
	DistributionWalletID string `json:"distributionWalletId"`
	ColdAddress          string `json:"coldAddress"`
}

// setConfigHandler stores the per-service routing table. The cold address is
// encrypted at rest like any other wallet secret.
func (g *Gateway) setConfigHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { g.reply(rw, r, nil, &err, http.StatusBadRequest) }()

	var req configReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	client, ok := g.bc[req.Service]
	if !ok {
		err = ErrNoNet

		return
	}

	var encCold string

	if req.ColdAddress != "" {
		if !client.ValidAddress(req.ColdAddress) {
			err = ErrBadAddress

			return
		}

		if encCold, err = wallet.Encrypt(g.cipherKey, []byte(req.ColdAddress)); err != nil {
			return
		}
	}

	err = g.db.SetConfig(store.WalletConfig{
		Service:              req.Service,
		DepositWalletID:      req.DepositWalletID,
		WithdrawWalletID:     req.WithdrawWalletID,
		DistributionWalletID: req.DistributionWalletID,
		EncryptedColdWallet:  encCold,
	})
}

func (g *Gateway) setThresholdHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	defer func() { g.reply(rw, r, nil, &err, http.StatusBadRequest) }()

	var req store.WalletThreshold
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	if _, ok := g.bc[req.Service]; !ok {
		err = ErrNoNet

		return
	}

	err = g.db.SetThreshold(req)
}

type addressReq struct {
	Service  string `json:"service"`
	WalletID string `json:"walletId"`
	Memo     string `json:"memo"`
}

type addressRes struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Path    uint32 `json:"path"`
}

// createAddressHandler derives the next deposit address of a wallet.
func (g *Gateway) createAddressHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  addressRes
	)

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	var req addressReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	client, ok := g.bc[req.Service]
	if !ok {
		err = ErrNoNet

		return
	}

	w, err := g.db.GetWallet(req.Service, req.WalletID)
	if err != nil {
		return
	}

	seed, err := wallet.Decrypt(g.cipherKey, w.EncryptedKey)
	if err != nil {
		return
	}

	kc, err := wallet.NewKeychain(seed)
	if err != nil {
		return
	}

	path, err := g.db.NextAddressPath(req.Service, req.WalletID)
	if err != nil {
		return
	}

	_, key, err := kc.Address(0, path)
	if err != nil {
		return
	}

	address, err := client.AddressFromKey(key)
	if err != nil {
		return
	}

	id, err := g.db.AddAddress(store.Address{
		Service:  req.Service,
		WalletID: req.WalletID,
		Address:  address,
		Type:     store.AddrUser,
		Path:     path,
		Memo:     req.Memo,
	})
	if err != nil {
		return
	}

	pl = addressRes{ID: id, Address: address, Path: path}
}

type tokenReq struct {
	Service         string `json:"service"`
	ContractAddress string `json:"contractAddress"`
}

// addTokenHandler enables a token for deposits and sweeps. The symbol and
// decimals are read from the contract itself rather than trusted from the
// request.
func (g *Gateway) addTokenHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  store.Token
	)

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	var req tokenReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	cc, ok := g.chains[req.Service]
	if !ok {
		err = ErrNoNet

		return
	}

	if cc.Type != "evm" {
		err = ErrNotEVM

		return
	}

	cli := ethcli.Init(cc.Node, cc.Secret)
	if cli == nil {
		err = fmt.Errorf("cannot connect to %s node", req.Service)

		return
	}
	defer cli.End()

	symbol, err := cli.GetTokenSymbol(req.ContractAddress)
	if err != nil {
		err = fmt.Errorf("contract metadata: %w", err)

		return
	}

	decimals, err := cli.GetTokenDecimals(req.ContractAddress)
	if err != nil {
		err = fmt.Errorf("contract metadata: %w", err)

		return
	}

	pl = store.Token{
		Service:         req.Service,
		Symbol:          strings.ToLower(symbol),
		ContractAddress: strings.ToLower(req.ContractAddress),
		Decimals:        uint8(decimals),
		Enabled:         true,
	}

	err = g.db.AddToken(pl)
}

type withdrawalReq struct {
	Service      string          `json:"service"`
	WithdrawalID string          `json:"withdrawalId"`
	Address      string          `json:"address"`
	Asset        string          `json:"asset"`
	Tag          string          `json:"tag"`
	Amount       decimal.Decimal `json:"amount"`
}

// intake validates one withdrawal request and stores it inqueue with its
// canonical signature. Duplicate withdrawalIds are rejected, never doubled.
func (g *Gateway) intake(req withdrawalReq) (store.Withdraw, error) {
	client, ok := g.bc[req.Service]
	if !ok {
		return store.Withdraw{}, ErrNoNet
	}

	if req.WithdrawalID == "" || !req.Amount.IsPositive() {
		return store.Withdraw{}, ErrBadRequest
	}

	if !client.ValidAddress(req.Address) {
		return store.Withdraw{}, ErrBadAddress
	}

	if req.Asset != client.Currency() {
		if _, err := g.db.GetToken(req.Service, req.Asset); err != nil {
			return store.Withdraw{}, ErrNoAsset
		}
	}

	w := store.Withdraw{
		Service:      req.Service,
		WithdrawalID: req.WithdrawalID,
		Address:      req.Address,
		Asset:        req.Asset,
		Tag:          req.Tag,
		Amount:       req.Amount,
		Status:       store.WithdrawInqueue,
	}
	w.Signature = msg.SignWithdraw(g.intakeKey, w.Service, w.WithdrawalID, w.Address,
		w.Tag, w.Amount.String(), w.Asset)

	if err := g.db.CreateWithdraw(w); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Withdraw{}, ErrDuplicate
		}

		return store.Withdraw{}, err
	}

	return w, nil
}

func (g *Gateway) withdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  store.Withdraw
	)

	defer func() {
		status := http.StatusBadRequest
		if errors.Is(err, ErrDuplicate) {
			status = http.StatusConflict
		}

		g.reply(rw, r, &pl, &err, status)
	}()

	var req withdrawalReq
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		return
	}

	pl, err = g.intake(req)
}

type batchRes struct {
	Accepted []string          `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}

// withdrawalBatchHandler performs intake item by item: one bad request does
// not void the rest of the batch.
func (g *Gateway) withdrawalBatchHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  = batchRes{Accepted: []string{}}
	)

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	var reqs []withdrawalReq
	if err = json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		return
	}

	for _, req := range reqs {
		if _, errItem := g.intake(req); errItem != nil {
			if pl.Rejected == nil {
				pl.Rejected = make(map[string]string)
			}

			pl.Rejected[req.WithdrawalID] = errItem.Error()

			continue
		}

		pl.Accepted = append(pl.Accepted, req.WithdrawalID)
	}
}

// balancesHandler recomputes wallet balances from the unspent ledger.
func (g *Gateway) balancesHandler(rw http.ResponseWriter, r *http.Request) {
	var (
		err error
		pl  map[string]decimal.Decimal
	)

	defer func() { g.reply(rw, r, &pl, &err, http.StatusBadRequest) }()

	service := r.URL.Query().Get("service")
	walletID := r.URL.Query().Get("walletId")

	if service == "" || walletID == "" {
		err = ErrBadRequest

		return
	}

	pl, err = g.db.WalletBalances(service, walletID)
}
