package util

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestIn(t *testing.T) {
	ss := []string{"eth", "btc"}

	if !In(ss, "btc") {
		t.Error("btc should be in the slice")
	}

	if In(ss, "trx") {
		t.Error("trx should not be in the slice")
	}
}

func TestUnits(t *testing.T) {
	wei, _ := new(big.Int).SetString("2999000000000000000", 10)

	d := FromUnits(wei, 18)
	if d.String() != "2.999" {
		t.Errorf("expected 2.999, got %s", d)
	}

	back := ToUnits(d, 18)
	if back.Cmp(wei) != 0 {
		t.Errorf("expected %s, got %s", wei, back)
	}

	// sub-unit precision is truncated, never rounded up
	sat := ToUnits(decimal.RequireFromString("0.000000019"), 8)
	if sat.Int64() != 1 {
		t.Errorf("expected 1 sat, got %s", sat)
	}
}

func TestSuperviseStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	runs := 0
	done := make(chan struct{})

	go func() {
		Supervise(ctx, "test", time.Millisecond, func(context.Context) error {
			runs++
			if runs >= 3 {
				cancel()
			}

			return errors.New("boom")
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervise did not stop on context cancel")
	}

	if runs < 3 {
		t.Errorf("expected at least 3 runs, got %d", runs)
	}
}
