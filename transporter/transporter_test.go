package transporter

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/chain"
	ctypes "github.com/opencustody/walletd/lib/chain/types"
	mtypes "github.com/opencustody/walletd/lib/msg/types"
	"github.com/opencustody/walletd/lib/store"
	"github.com/opencustody/walletd/lib/store/memory"
	"github.com/opencustody/walletd/lib/wallet"
)

const (
	testService  = "eth"
	testCipher   = "test-cipher-passphrase"
	testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank year wave sausage worth useful legal winner thank year wave sausage worth title"
)

type fakeClient struct {
	service  string
	model    string
	currency string

	fee        decimal.Decimal
	feePerByte decimal.Decimal

	sent     []sentTx
	utxoSent [][]ctypes.Output
}

type sentTx struct {
	from   string
	to     string
	amount decimal.Decimal
	asset  string
}

func (f *fakeClient) Service() string  { return f.service }
func (f *fakeClient) Model() string    { return f.model }
func (f *fakeClient) Currency() string { return f.currency }
func (f *fakeClient) Close()           {}

func (f *fakeClient) BestHeight(context.Context) (int64, error) { return 0, nil }
func (f *fakeClient) Block(context.Context, int64) (ctypes.Block, error) {
	return ctypes.Block{}, ctypes.ErrNoBlock
}
func (f *fakeClient) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeClient) ValidAddress(string) bool              { return true }
func (f *fakeClient) AddressFromKey([]byte) (string, error) { return "0xderived", nil }
func (f *fakeClient) PendingNonce(context.Context, string) (uint64, error) {
	return 0, nil
}
func (f *fakeClient) EstimateFee(context.Context, string) (decimal.Decimal, error) {
	return f.fee, nil
}

func (f *fakeClient) SendAccount(_ context.Context, _ []byte, from, to, asset string,
	amount decimal.Decimal, nonce uint64) (string, decimal.Decimal, error) {
	f.sent = append(f.sent, sentTx{from: from, to: to, amount: amount, asset: asset})

	return "0xsweep" + to, f.fee, nil
}

func (f *fakeClient) FeePerByte(context.Context) (decimal.Decimal, error) {
	return f.feePerByte, nil
}

func (f *fakeClient) SendUTXO(_ context.Context, _ []ctypes.UTXOInput, outputs []ctypes.Output) (string, error) {
	f.utxoSent = append(f.utxoSent, outputs)

	return "sweeptx", nil
}

type fakeSink struct {
	alerts []mtypes.Envelope
}

func (s *fakeSink) Setup() error                            { return nil }
func (s *fakeSink) Close() error                            { return nil }
func (s *fakeSink) EmitEvent(string, mtypes.Envelope) error { return nil }
func (s *fakeSink) EmitAlert(_ string, e mtypes.Envelope) error {
	s.alerts = append(s.alerts, e)

	return nil
}

// fixture provisions the deposit, withdraw and distribution wallets plus a
// cold address, and returns the deposit wallet id and keychain.
type fixture struct {
	depositWalletID string
	keychain        *wallet.Keychain
	hotAddress      string
	coldAddress     string
	distAddress     string
}

func seedRouting(t *testing.T, db store.DB, service string) fixture {
	t.Helper()

	seed, err := wallet.Seed(testMnemonic, "")
	if err != nil {
		t.Fatal(err)
	}

	kc, err := wallet.NewKeychain(seed)
	if err != nil {
		t.Fatal(err)
	}

	encKey, err := wallet.Encrypt(testCipher, seed)
	if err != nil {
		t.Fatal(err)
	}

	makeWallet := func(name string, path uint32) (string, string) {
		addr, _, errAddr := kc.Address(0, path)
		if errAddr != nil {
			t.Fatal(errAddr)
		}

		encAddr, errEnc := wallet.Encrypt(testCipher, []byte(addr))
		if errEnc != nil {
			t.Fatal(errEnc)
		}

		id, errAdd := db.AddWallet(store.Wallet{
			Service:          service,
			WalletName:       name,
			EncryptedKey:     encKey,
			EncryptedAddress: encAddr,
		})
		if errAdd != nil {
			t.Fatal(errAdd)
		}

		if _, errAddr = db.AddAddress(store.Address{
			Service:  service,
			WalletID: id,
			Address:  addr,
			Type:     store.AddrSettlement,
			Path:     path,
		}); errAddr != nil {
			t.Fatal(errAddr)
		}

		return id, addr
	}

	depositID, _ := makeWallet("deposit", 100)
	withdrawID, hotAddr := makeWallet("hot", 101)
	distID, distAddr := makeWallet("distribution", 102)

	coldAddr := "0xcoldstorage"

	encCold, err := wallet.Encrypt(testCipher, []byte(coldAddr))
	if err != nil {
		t.Fatal(err)
	}

	if err = db.SetConfig(store.WalletConfig{
		Service:              service,
		DepositWalletID:      depositID,
		WithdrawWalletID:     withdrawID,
		DistributionWalletID: distID,
		EncryptedColdWallet:  encCold,
	}); err != nil {
		t.Fatal(err)
	}

	return fixture{
		depositWalletID: depositID,
		keychain:        kc,
		hotAddress:      hotAddr,
		coldAddress:     coldAddr,
		distAddress:     distAddr,
	}
}

// depositAt registers a user address at the given path and credits it.
func depositAt(t *testing.T, db store.DB, fx fixture, service, currency, txHash string,
	path uint32, amount decimal.Decimal) string {
	t.Helper()

	addr, _, err := fx.keychain.Address(0, path)
	if err != nil {
		t.Fatal(err)
	}

	addrID, err := db.AddAddress(store.Address{
		Service:  service,
		WalletID: fx.depositWalletID,
		Address:  addr,
		Type:     store.AddrUser,
		Path:     path,
	})
	if err != nil {
		addrRow, errGet := db.GetAddress(service, addr)
		if errGet != nil {
			t.Fatal(err)
		}

		addrID = addrRow.ID
	}

	if _, err = db.AddFunding(store.Funding{
		Service:         service,
		TransactionHash: txHash,
		Type:            store.TypeFunding,
		To:              addr,
		Amount:          amount,
		Currency:        currency,
		AddressID:       addrID,
		WalletID:        fx.depositWalletID,
		Status:          store.StatusConfirmed,
	}); err != nil {
		t.Fatal(err)
	}

	return addr
}

func setThreshold(t *testing.T, db store.DB, service, token, forwarding, minimum string) {
	t.Helper()

	if err := db.SetThreshold(store.WalletThreshold{
		Service:             service,
		Token:               token,
		ForwardingThreshold: decimal.RequireFromString(forwarding),
		MinimumDeposit:      decimal.RequireFromString(minimum),
	}); err != nil {
		t.Fatal(err)
	}
}

func newTestTransporter(db store.DB, c *fakeClient, sink *fakeSink) *Transporter {
	return New(db, c, sink, []byte("intake-key"), testCipher, OrderQuery, time.Second, zerolog.Nop())
}

func TestThresholdSplit(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, testService)
	setThreshold(t, db, testService, "eth", "5", "0.01")

	// 3 to hot, then 4 splits 2 hot / 2 cold
	depositAt(t, db, fx, testService, "eth", "0xd1", 1, decimal.RequireFromString("3"))
	depositAt(t, db, fx, testService, "eth", "0xd2", 2, decimal.RequireFromString("4"))

	c := &fakeClient{
		service: testService, model: chain.Account, currency: "eth",
		fee: decimal.RequireFromString("0.001"),
	}
	tr := newTestTransporter(db, c, &fakeSink{})

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.sent) != 3 {
		t.Fatalf("sent %d transactions, want 3", len(c.sent))
	}

	var hot, cold decimal.Decimal
	for _, tx := range c.sent {
		switch tx.to {
		case fx.hotAddress:
			hot = hot.Add(tx.amount)
		case fx.coldAddress:
			cold = cold.Add(tx.amount)
		default:
			t.Errorf("unexpected destination %s", tx.to)
		}
	}

	// native sweeps pay their own fee: 0.001 per transaction
	wantHot := decimal.RequireFromString("4.998")
	wantCold := decimal.RequireFromString("1.999")

	if !hot.Equal(wantHot) {
		t.Errorf("hot total %s, want %s", hot, wantHot)
	}

	if !cold.Equal(wantCold) {
		t.Errorf("cold total %s, want %s", cold, wantCold)
	}
}

func TestMinimumDepositFloor(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, testService)
	setThreshold(t, db, testService, "eth", "10", "1")

	depositAt(t, db, fx, testService, "eth", "0xdust", 1, decimal.RequireFromString("0.5"))
	depositAt(t, db, fx, testService, "eth", "0xd2", 2, decimal.RequireFromString("2"))

	c := &fakeClient{
		service: testService, model: chain.Account, currency: "eth",
		fee: decimal.RequireFromString("0.001"),
	}
	tr := newTestTransporter(db, c, &fakeSink{})

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(c.sent))
	}

	if c.sent[0].to != fx.hotAddress {
		t.Errorf("destination %s, want hot wallet", c.sent[0].to)
	}
}

func TestTokenSweepTopsUpGas(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, testService)
	setThreshold(t, db, testService, "usdt", "1000", "1")

	if err := db.AddToken(store.Token{
		Service: testService, Symbol: "usdt", ContractAddress: "0xcontract",
		Decimals: 6, Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	addr := depositAt(t, db, fx, testService, "usdt", "0xd1", 1, decimal.RequireFromString("100"))

	c := &fakeClient{
		service: testService, model: chain.Account, currency: "eth",
		fee: decimal.RequireFromString("0.002"),
	}
	tr := newTestTransporter(db, c, &fakeSink{})

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	// first the top-up from the distribution wallet, then the token sweep
	if len(c.sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(c.sent))
	}

	topUp := c.sent[0]
	if topUp.from != fx.distAddress || topUp.to != addr || topUp.asset != "eth" {
		t.Errorf("top-up %+v, want eth from distribution wallet to %s", topUp, addr)
	}

	if !topUp.amount.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("top-up amount %s, want exact shortfall 0.002", topUp.amount)
	}

	sweep := c.sent[1]
	if sweep.asset != "usdt" || !sweep.amount.Equal(decimal.RequireFromString("100")) {
		t.Errorf("sweep %+v, want 100 usdt", sweep)
	}

	if _, err := db.GetDistributionByTx(testService, "0xsweep"+addr); err != nil {
		t.Error("no distribution row for the top-up")
	}

	if _, err := db.GetDistributionByTx(testService, "0xsweep"+fx.hotAddress); err == nil {
		t.Error("distribution row recorded under the sweep hash")
	}
}

func TestSweptFundingsNotReswept(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, testService)
	setThreshold(t, db, testService, "eth", "100", "0.01")

	depositAt(t, db, fx, testService, "eth", "0xd1", 1, decimal.RequireFromString("3"))

	c := &fakeClient{
		service: testService, model: chain.Account, currency: "eth",
		fee: decimal.RequireFromString("0.001"),
	}
	tr := newTestTransporter(db, c, &fakeSink{})

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.sent) != 1 {
		t.Errorf("sent %d transactions across two cycles, want 1", len(c.sent))
	}
}

func TestUTXOSweepSingleTransaction(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, "btc")
	setThreshold(t, db, "btc", "btc", "1", "0.001")

	depositAt(t, db, fx, "btc", "btc", "tx1", 1, decimal.RequireFromString("0.8"))
	depositAt(t, db, fx, "btc", "btc", "tx2", 2, decimal.RequireFromString("0.6"))

	c := &fakeClient{
		service: "btc", model: chain.UTXO, currency: "btc",
		feePerByte: decimal.RequireFromString("0.00000001"),
	}
	tr := newTestTransporter(db, c, &fakeSink{})

	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(c.utxoSent) != 1 {
		t.Fatalf("broadcast %d transactions, want 1", len(c.utxoSent))
	}

	outputs := c.utxoSent[0]
	if len(outputs) != 2 {
		t.Fatalf("transaction has %d outputs, want hot and cold", len(outputs))
	}

	if outputs[0].Address != fx.hotAddress || !outputs[0].Amount.Equal(decimal.RequireFromString("1")) {
		t.Errorf("hot output %+v, want 1 btc to %s", outputs[0], fx.hotAddress)
	}

	if outputs[1].Address != fx.coldAddress {
		t.Errorf("cold output to %s, want %s", outputs[1].Address, fx.coldAddress)
	}

	// cold pays the fee: 0.4 minus (148*2+34*3+10)*1e-8
	wantCold := decimal.RequireFromString("0.4").Sub(decimal.RequireFromString("0.00000408"))
	if !outputs[1].Amount.Equal(wantCold) {
		t.Errorf("cold output amount %s, want %s", outputs[1].Amount, wantCold)
	}
}

func TestLowBalanceNotification(t *testing.T) {
	db := memory.New()
	defer db.Close()

	fx := seedRouting(t, db, testService)

	if err := db.SetThreshold(store.WalletThreshold{
		Service:               testService,
		Token:                 "eth",
		ForwardingThreshold:   decimal.RequireFromString("5"),
		MinimumDeposit:        decimal.RequireFromString("0.01"),
		NotificationThreshold: decimal.RequireFromString("2"),
	}); err != nil {
		t.Fatal(err)
	}

	depositAt(t, db, fx, testService, "eth", "0xd1", 1, decimal.RequireFromString("3"))

	c := &fakeClient{
		service: testService, model: chain.Account, currency: "eth",
		fee: decimal.RequireFromString("0.001"),
	}
	sink := &fakeSink{}
	tr := newTestTransporter(db, c, sink)

	// 3 eth on deposit addresses is above the 2 eth floor
	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.alerts) != 0 {
		t.Fatalf("emitted %d alerts with a healthy balance, want 0", len(sink.alerts))
	}

	// the sweep consumed the funding, the next cycle sees an empty float
	if err := tr.iterate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(sink.alerts) != 1 {
		t.Fatalf("emitted %d alerts with an empty float, want 1", len(sink.alerts))
	}

	var a mtypes.Alert
	if err := json.Unmarshal(sink.alerts[0].Message, &a); err != nil {
		t.Fatal(err)
	}

	if a.Level != mtypes.LevelWarning || !strings.Contains(a.Message, "below notification threshold") {
		t.Errorf("alert = %+v, want low-balance warning", a)
	}
}

func TestIncompleteRoutingAlertsOnce(t *testing.T) {
	db := memory.New()
	defer db.Close()

	c := &fakeClient{service: testService, model: chain.Account, currency: "eth"}
	sink := &fakeSink{}
	tr := newTestTransporter(db, c, sink)

	for i := 0; i < 3; i++ {
		if err := tr.iterate(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if len(sink.alerts) != 1 {
		t.Errorf("emitted %d alerts, want 1", len(sink.alerts))
	}
}
