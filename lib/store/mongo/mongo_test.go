package mongo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/store"
)

// Integration tests against a local MongoDB. Set WALLETD_TEST_MONGO to point
// at another instance.
func testDB(t *testing.T) *Mongo {
	t.Helper()

	uri := os.Getenv("WALLETD_TEST_MONGO")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	m, err := New(uri)
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := m.c.Ping(ctx, nil); err != nil {
		_ = m.Close()
		t.Skipf("mongo not reachable: %v", err)
	}

	t.Cleanup(func() {
		_ = m.c.Database(dbName).Drop(context.Background())
		_ = m.Close()
	})

	return m
}

func TestSyncHeight(t *testing.T) {
	m := testDB(t)

	if _, err := m.SyncHeight("eth"); err != store.ErrNotFound {
		t.Errorf("fresh checkpoint err = %v, want ErrNotFound", err)
	}

	if err := m.SetSyncHeight("eth", 208); err != nil {
		t.Fatal(err)
	}

	h, err := m.SyncHeight("eth")
	if err != nil || h != 208 {
		t.Errorf("checkpoint = %d, %v, want 208", h, err)
	}
}

func TestFundingRoundTrip(t *testing.T) {
	m := testDB(t)

	f := store.Funding{
		Service:         "eth",
		TransactionHash: "0xabc",
		Type:            store.TypeFunding,
		To:              "0xalice",
		Amount:          decimal.RequireFromString("1.25"),
		Currency:        "eth",
		AddressID:       "a1",
		WalletID:        "w1",
		BlockHeight:     208,
		Status:          store.StatusConfirmed,
	}

	id, err := m.AddFunding(f)
	if err != nil {
		t.Fatal(err)
	}

	// same credit again violates the funding unique key
	if _, err = m.AddFunding(f); err != store.ErrDuplicate {
		t.Errorf("duplicate err = %v, want ErrDuplicate", err)
	}

	got, err := m.GetFunding("eth", "0xabc", 0)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != id || !got.Amount.Equal(f.Amount) || got.Currency != "eth" {
		t.Errorf("funding round trip = %+v", got)
	}
}

// Two writers racing on the same withdrawal id must resolve to one insert.
// Uniqueness lives in the database index, not in a read-then-write check.
func TestCreateWithdrawConcurrent(t *testing.T) {
	m := testDB(t)

	w := store.Withdraw{
		Service:      "eth",
		WithdrawalID: "wd-race",
		Address:      "0xdest",
		Asset:        "eth",
		Amount:       decimal.New(1, 0),
		Status:       store.WithdrawInqueue,
	}

	const writers = 8

	errs := make(chan error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			errs <- m.CreateWithdraw(w)
		}()
	}

	wg.Wait()
	close(errs)

	var ok, dup int

	for err := range errs {
		switch err {
		case nil:
			ok++
		case store.ErrDuplicate:
			dup++
		default:
			t.Fatal(err)
		}
	}

	if ok != 1 || dup != writers-1 {
		t.Errorf("inserted = %d, duplicates = %d, want 1 and %d", ok, dup, writers-1)
	}
}

func TestSpendFundingAtMostOnce(t *testing.T) {
	m := testDB(t)

	if _, err := m.AddFunding(store.Funding{
		Service:         "eth",
		TransactionHash: "0xabc",
		Type:            store.TypeFunding,
		To:              "0xalice",
		Amount:          decimal.New(5, 0),
		Currency:        "eth",
		AddressID:       "a1",
		WalletID:        "w1",
		Status:          store.StatusConfirmed,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.SpendFunding("eth", "0xabc", 0, "eth", "0xspend1"); err != nil {
		t.Fatal(err)
	}

	if err := m.SpendFunding("eth", "0xabc", 0, "eth", "0xspend2"); err != store.ErrNotFound {
		t.Errorf("second spend err = %v, want ErrNotFound", err)
	}

	f, err := m.GetFunding("eth", "0xabc", 0)
	if err != nil {
		t.Fatal(err)
	}

	if f.SpentIn != "0xspend1" {
		t.Errorf("spentIn = %s, want 0xspend1", f.SpentIn)
	}

	unspent, err := m.UnspentByWallet("eth", "w1", "eth")
	if err != nil {
		t.Fatal(err)
	}

	if len(unspent) != 0 {
		t.Errorf("unspent after spend = %d rows", len(unspent))
	}
}

func TestWithdrawLifecycle(t *testing.T) {
	m := testDB(t)

	w := store.Withdraw{
		Service:      "eth",
		WithdrawalID: "wd-1",
		Address:      "0xdest",
		Asset:        "eth",
		Amount:       decimal.New(2, 0),
		Status:       store.WithdrawInqueue,
		Signature:    "sig",
	}

	if err := m.CreateWithdraw(w); err != nil {
		t.Fatal(err)
	}

	if err := m.CreateWithdraw(w); err != store.ErrDuplicate {
		t.Errorf("duplicate intake err = %v, want ErrDuplicate", err)
	}

	pending, err := m.PendingWithdraws("eth", 30)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v, want 1 row", len(pending), err)
	}

	if err := m.SetWithdrawTransfered("eth", "wd-1", "0xtx", 0); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetWithdrawByTx("eth", "0xtx", 0)
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != store.WithdrawTransfered {
		t.Errorf("status = %s, want %s", got.Status, store.WithdrawTransfered)
	}

	if err := m.SetWithdrawSuccess("eth", "wd-1", decimal.RequireFromString("0.0003"), "eth"); err != nil {
		t.Fatal(err)
	}

	got, err = m.GetWithdraw("eth", "wd-1")
	if err != nil {
		t.Fatal(err)
	}

	if got.Status != store.WithdrawSuccess || !got.MinerFee.Equal(decimal.RequireFromString("0.0003")) {
		t.Errorf("finalized withdraw = %+v", got)
	}
}

func TestWalletConfigRoundTrip(t *testing.T) {
	m := testDB(t)

	if _, err := m.GetConfig("eth"); err != store.ErrNotFound {
		t.Errorf("fresh config err = %v, want ErrNotFound", err)
	}

	cfg := store.WalletConfig{
		Service:             "eth",
		DepositWalletID:     "w-dep",
		WithdrawWalletID:    "w-hot",
		EncryptedColdWallet: "enc",
	}

	if err := m.SetConfig(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := m.GetConfig("eth")
	if err != nil {
		t.Fatal(err)
	}

	if got.WithdrawWalletID != "w-hot" || got.EncryptedColdWallet != "enc" {
		t.Errorf("config round trip = %+v", got)
	}
}
