package pnl

import (
	"math/big"
	"testing"
)

func TestSqrtRatioAtTick(t *testing.T) {
	cases := []struct {
		tick int32
		want string // decimal Q64.96
	}{
		{0, "79228162514264337593543950336"}, // exactly 2^96
		{-887272, "4295128739"},
		{887272, "1461446703485210103287273052203988822378723970342"},
	}
	for _, c := range cases {
		got, err := SqrtRatioAtTick(c.tick)
		if err != nil {
			t.Fatalf("SqrtRatioAtTick(%d): %v", c.tick, err)
		}
		want, _ := new(big.Int).SetString(c.want, 10)
		if got.Cmp(want) != 0 {
			t.Errorf("SqrtRatioAtTick(%d) = %s, want %s", c.tick, got, want)
		}
	}
}

func TestSqrtRatioAtTickMonotonic(t *testing.T) {
	prev, err := SqrtRatioAtTick(-100)
	if err != nil {
		t.Fatal(err)
	}
	for _, tick := range []int32{-10, 0, 10, 100} {
		cur, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatal(err)
		}
		if cur.Cmp(prev) <= 0 {
			t.Fatalf("sqrt ratio not increasing at tick %d", tick)
		}
		prev = cur
	}
}

func TestSqrtRatioAtTickOutOfRange(t *testing.T) {
	if _, err := SqrtRatioAtTick(887273); err == nil {
		t.Fatal("expected error beyond MaxTick")
	}
	if _, err := SqrtRatioAtTick(-887273); err == nil {
		t.Fatal("expected error below -MaxTick")
	}
}
