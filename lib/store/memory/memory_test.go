package memory

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opencustody/walletd/lib/store"
)

func testFunding(txHash string, amount string) store.Funding {
	return store.Funding{
		Service:         "eth",
		TransactionHash: txHash,
		Type:            store.TypeFunding,
		To:              "0xalice",
		Amount:          decimal.RequireFromString(amount),
		Currency:        "eth",
		AddressID:       "a1",
		WalletID:        "w1",
		Status:          store.StatusConfirmed,
	}
}

func TestFundingUniqueKey(t *testing.T) {
	db := New()
	defer db.Close()

	if _, err := db.AddFunding(testFunding("0xdep", "5")); err != nil {
		t.Fatal(err)
	}

	if _, err := db.AddFunding(testFunding("0xdep", "5")); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("second insert err = %v, want ErrDuplicate", err)
	}

	// a different amount under the same hash is a distinct credit
	if _, err := db.AddFunding(testFunding("0xdep", "7")); err != nil {
		t.Errorf("distinct amount rejected: %v", err)
	}
}

func TestSpendFundingAtMostOnce(t *testing.T) {
	db := New()
	defer db.Close()

	if _, err := db.AddFunding(testFunding("0xdep", "5")); err != nil {
		t.Fatal(err)
	}

	if err := db.SpendFunding("eth", "0xdep", 0, "eth", "0xspend1"); err != nil {
		t.Fatal(err)
	}

	// the row is spent: a competing spend must not match
	if err := db.SpendFunding("eth", "0xdep", 0, "eth", "0xspend2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second spend err = %v, want ErrNotFound", err)
	}

	f, err := db.GetFunding("eth", "0xdep", 0)
	if err != nil {
		t.Fatal(err)
	}

	if f.SpentIn != "0xspend1" {
		t.Errorf("spentIn = %q, want the first spender", f.SpentIn)
	}

	unspent, err := db.UnspentByAddress("eth", "a1", "eth")
	if err != nil {
		t.Fatal(err)
	}

	if len(unspent) != 0 {
		t.Errorf("%d unspent rows after spend, want 0", len(unspent))
	}
}

func TestUsedFundingExcluded(t *testing.T) {
	db := New()
	defer db.Close()

	id, err := db.AddFunding(testFunding("0xdep", "5"))
	if err != nil {
		t.Fatal(err)
	}

	if err = db.UseFunding("eth", id); err != nil {
		t.Fatal(err)
	}

	unspent, err := db.UnspentByWallet("eth", "w1", "eth")
	if err != nil {
		t.Fatal(err)
	}

	if len(unspent) != 0 {
		t.Errorf("reserved funding still selectable: %d rows", len(unspent))
	}
}

func TestWithdrawIdempotentIntake(t *testing.T) {
	db := New()
	defer db.Close()

	w := store.Withdraw{
		Service:      "eth",
		WithdrawalID: "wd-1",
		Address:      "0xdest",
		Asset:        "eth",
		Amount:       decimal.RequireFromString("1"),
		Status:       store.WithdrawInqueue,
	}

	if err := db.CreateWithdraw(w); err != nil {
		t.Fatal(err)
	}

	if err := db.CreateWithdraw(w); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate intake err = %v, want ErrDuplicate", err)
	}
}

func TestUnspentByWalletAscending(t *testing.T) {
	db := New()
	defer db.Close()

	for _, amt := range []string{"3", "1", "2"} {
		f := testFunding("0xdep"+amt, amt)
		if _, err := db.AddFunding(f); err != nil {
			t.Fatal(err)
		}
	}

	unspent, err := db.UnspentByWallet("eth", "w1", "eth")
	if err != nil {
		t.Fatal(err)
	}

	if len(unspent) != 3 {
		t.Fatalf("%d rows, want 3", len(unspent))
	}

	for i := 1; i < len(unspent); i++ {
		if unspent[i].Amount.LessThan(unspent[i-1].Amount) {
			t.Fatalf("rows not sorted ascending: %s before %s",
				unspent[i-1].Amount, unspent[i].Amount)
		}
	}
}

func TestWalletBalancesGrouping(t *testing.T) {
	db := New()
	defer db.Close()

	if _, err := db.AddFunding(testFunding("0xd1", "2")); err != nil {
		t.Fatal(err)
	}

	if _, err := db.AddFunding(testFunding("0xd2", "3")); err != nil {
		t.Fatal(err)
	}

	tok := testFunding("0xd3", "100")
	tok.Currency = "usdt"
	if _, err := db.AddFunding(tok); err != nil {
		t.Fatal(err)
	}

	balances, err := db.WalletBalances("eth", "w1")
	if err != nil {
		t.Fatal(err)
	}

	if !balances["eth"].Equal(decimal.RequireFromString("5")) {
		t.Errorf("eth balance %s, want 5", balances["eth"])
	}

	if !balances["usdt"].Equal(decimal.RequireFromString("100")) {
		t.Errorf("usdt balance %s, want 100", balances["usdt"])
	}
}

func TestNextAddressPath(t *testing.T) {
	db := New()
	defer db.Close()

	path, err := db.NextAddressPath("eth", "w1")
	if err != nil {
		t.Fatal(err)
	}

	if path != 0 {
		t.Errorf("first path = %d, want 0", path)
	}

	if _, err = db.AddAddress(store.Address{
		Service: "eth", WalletID: "w1", Address: "0xa", Type: store.AddrUser, Path: 0,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err = db.AddAddress(store.Address{
		Service: "eth", WalletID: "w1", Address: "0xb", Type: store.AddrUser, Path: 1,
	}); err != nil {
		t.Fatal(err)
	}

	if path, err = db.NextAddressPath("eth", "w1"); err != nil {
		t.Fatal(err)
	}

	if path != 2 {
		t.Errorf("next path = %d, want 2", path)
	}
}
