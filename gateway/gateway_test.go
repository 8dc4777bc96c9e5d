package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/chain"
	ctypes "github.com/opencustody/walletd/lib/chain/types"
	"github.com/opencustody/walletd/lib/config"
	"github.com/opencustody/walletd/lib/msg"
	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/store/memory"
)

var testIntakeKey = []byte("intake-key")

type fakeClient struct {
	service  string
	currency string
}

func (f *fakeClient) Service() string  { return f.service }
func (f *fakeClient) Model() string    { return chain.Account }
func (f *fakeClient) Currency() string { return f.currency }
func (f *fakeClient) Close()           {}

func (f *fakeClient) BestHeight(context.Context) (int64, error) { return 0, nil }
func (f *fakeClient) Block(context.Context, int64) (ctypes.Block, error) {
	return ctypes.Block{}, ctypes.ErrNoBlock
}
func (f *fakeClient) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeClient) ValidAddress(address string) bool {
	return strings.HasPrefix(address, "0x")
}

// AddressFromKey renders a deterministic pseudo-address from the key.
func (f *fakeClient) AddressFromKey(key []byte) (string, error) {
	sum := sha256.Sum256(key)

	return "0x" + hex.EncodeToString(sum[:20]), nil
}

func (f *fakeClient) PendingNonce(context.Context, string) (uint64, error) {
	return 0, ctypes.ErrUnsupported
}
func (f *fakeClient) EstimateFee(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, ctypes.ErrUnsupported
}
func (f *fakeClient) SendAccount(context.Context, []byte, string, string, string,
	decimal.Decimal, uint64) (string, decimal.Decimal, error) {
	return "", decimal.Zero, ctypes.ErrUnsupported
}
func (f *fakeClient) FeePerByte(context.Context) (decimal.Decimal, error) {
	return decimal.Zero, ctypes.ErrUnsupported
}
func (f *fakeClient) SendUTXO(context.Context, []ctypes.UTXOInput, []ctypes.Output) (string, error) {
	return "", ctypes.ErrUnsupported
}

func newTestGateway(db store.DB) *Gateway {
	bc := map[string]chain.Client{"eth": &fakeClient{service: "eth", currency: "eth"}}
	chains := []config.ChainConfig{{Name: "eth", Type: "evm", Node: "http://localhost:8545"}}

	return New(db, bc, chains, testIntakeKey, "test-cipher-passphrase", zerolog.Nop())
}

// do issues a request against the router, signing the body when sign is set.
func do(t *testing.T, g *Gateway, method, path string, body interface{}, sign bool) (int, Response) {
	t.Helper()

	var buf []byte

	if body != nil {
		var err error
		if buf, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(buf))
	if sign {
		req.Header.Set(SignatureHeader, msg.Sign(testIntakeKey, buf))
	}

	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	var res Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}

	return rec.Code, res
}

func TestUnsignedRequestRejected(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	status, res := do(t, g, http.MethodPost, "/wallets",
		walletReq{Service: "eth", WalletName: "ops"}, false)

	if status != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", status)
	}

	if res.Error == "" {
		t.Error("no error message returned")
	}
}

func TestCreateWallet(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	status, res := do(t, g, http.MethodPost, "/wallets",
		walletReq{Service: "eth", WalletName: "ops"}, true)

	if status != http.StatusOK {
		t.Fatalf("status = %d, body %+v", status, res)
	}

	var pl walletRes
	if err := json.Unmarshal([]byte(res.Body), &pl); err != nil {
		t.Fatal(err)
	}

	if len(strings.Fields(pl.Mnemonic)) != 24 {
		t.Errorf("mnemonic has %d words, want 24", len(strings.Fields(pl.Mnemonic)))
	}

	if !strings.HasPrefix(pl.Address, "0x") {
		t.Errorf("settlement address %q not chain encoded", pl.Address)
	}

	w, err := db.GetWallet("eth", pl.ID)
	if err != nil {
		t.Fatal(err)
	}

	// secrets must not be stored in clear
	if strings.Contains(w.EncryptedKey, pl.Mnemonic) || w.EncryptedAddress == pl.Address {
		t.Error("wallet secrets stored unencrypted")
	}

	addr, err := db.GetAddress("eth", pl.Address)
	if err != nil {
		t.Fatal(err)
	}

	if addr.Type != store.AddrSettlement || addr.Path != 0 {
		t.Errorf("settlement address row %+v, want settlement type at path 0", addr)
	}
}

func TestDeriveAddresses(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	_, res := do(t, g, http.MethodPost, "/wallets",
		walletReq{Service: "eth", WalletName: "deposits"}, true)

	var w walletRes
	if err := json.Unmarshal([]byte(res.Body), &w); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{w.Address: true}

	for i := 1; i <= 3; i++ {
		status, resAddr := do(t, g, http.MethodPost, "/addresses",
			addressReq{Service: "eth", WalletID: w.ID}, true)
		if status != http.StatusOK {
			t.Fatalf("status = %d, body %+v", status, resAddr)
		}

		var pl addressRes
		if err := json.Unmarshal([]byte(resAddr.Body), &pl); err != nil {
			t.Fatal(err)
		}

		if pl.Path != uint32(i) {
			t.Errorf("path = %d, want %d", pl.Path, i)
		}

		if seen[pl.Address] {
			t.Errorf("address %s derived twice", pl.Address)
		}

		seen[pl.Address] = true
	}
}

func TestWithdrawalIntake(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	req := withdrawalReq{
		Service:      "eth",
		WithdrawalID: "wd-1",
		Address:      "0xdest",
		Asset:        "eth",
		Amount:       decimal.RequireFromString("1.5"),
	}

	status, _ := do(t, g, http.MethodPost, "/withdrawals", req, true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	w, err := db.GetWithdraw("eth", "wd-1")
	if err != nil {
		t.Fatal(err)
	}

	if w.Status != store.WithdrawInqueue {
		t.Errorf("status = %s, want %s", w.Status, store.WithdrawInqueue)
	}

	// the stored signature must match what the payment engine recomputes
	want := msg.SignWithdraw(testIntakeKey, "eth", "wd-1", "0xdest", "", "1.5", "eth")
	if w.Signature != want {
		t.Errorf("signature mismatch:\n got %s\nwant %s", w.Signature, want)
	}

	// duplicate intake is rejected, not doubled
	status, res := do(t, g, http.MethodPost, "/withdrawals", req, true)
	if status != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", status)
	}

	if res.Error == "" {
		t.Error("duplicate not reported")
	}
}

func TestWithdrawalValidation(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	cases := []struct {
		name string
		req  withdrawalReq
	}{
		{"unknown network", withdrawalReq{Service: "doge", WithdrawalID: "w", Address: "0xd", Asset: "doge", Amount: decimal.New(1, 0)}},
		{"bad address", withdrawalReq{Service: "eth", WithdrawalID: "w", Address: "nonsense", Asset: "eth", Amount: decimal.New(1, 0)}},
		{"unsupported asset", withdrawalReq{Service: "eth", WithdrawalID: "w", Address: "0xd", Asset: "doge", Amount: decimal.New(1, 0)}},
		{"zero amount", withdrawalReq{Service: "eth", WithdrawalID: "w", Address: "0xd", Asset: "eth", Amount: decimal.Zero}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, res := do(t, g, http.MethodPost, "/withdrawals", tc.req, true)
			if status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}

			if res.Error == "" {
				t.Error("no error message returned")
			}
		})
	}
}

func TestWithdrawalBatchPartialAccept(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	reqs := []withdrawalReq{
		{Service: "eth", WithdrawalID: "ok-1", Address: "0xd1", Asset: "eth", Amount: decimal.New(1, 0)},
		{Service: "eth", WithdrawalID: "bad-1", Address: "nonsense", Asset: "eth", Amount: decimal.New(1, 0)},
		{Service: "eth", WithdrawalID: "ok-2", Address: "0xd2", Asset: "eth", Amount: decimal.New(2, 0)},
	}

	status, res := do(t, g, http.MethodPost, "/withdrawals/batch", reqs, true)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var pl batchRes
	if err := json.Unmarshal([]byte(res.Body), &pl); err != nil {
		t.Fatal(err)
	}

	if len(pl.Accepted) != 2 {
		t.Errorf("accepted %v, want ok-1 and ok-2", pl.Accepted)
	}

	if _, ok := pl.Rejected["bad-1"]; !ok {
		t.Errorf("rejected %v, want bad-1 present", pl.Rejected)
	}
}

func TestBalances(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	if _, err := db.AddFunding(store.Funding{
		Service:         "eth",
		TransactionHash: "0xd1",
		Type:            store.TypeFunding,
		To:              "0xalice",
		Amount:          decimal.RequireFromString("2.5"),
		Currency:        "eth",
		AddressID:       "a1",
		WalletID:        "w1",
		Status:          store.StatusConfirmed,
	}); err != nil {
		t.Fatal(err)
	}

	status, res := do(t, g, http.MethodGet, "/wallets/balances?service=eth&walletId=w1", nil, false)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var pl map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(res.Body), &pl); err != nil {
		t.Fatal(err)
	}

	if !pl["eth"].Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("eth balance %s, want 2.5", pl["eth"])
	}
}

func TestNetworks(t *testing.T) {
	db := memory.New()
	defer db.Close()

	g := newTestGateway(db)

	status, res := do(t, g, http.MethodGet, "/networks", nil, false)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var pl []string
	if err := json.Unmarshal([]byte(res.Body), &pl); err != nil {
		t.Fatal(err)
	}

	if len(pl) != 1 || pl[0] != "eth" {
		t.Errorf("networks = %v, want [eth]", pl)
	}
}
