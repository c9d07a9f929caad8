package store

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseDecimals(t *testing.T) {
	var a, b decimal.Decimal
	err := parseDecimals([]*decimal.Decimal{&a, &b}, []string{"1.5", "-2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.Equal(d(1.5)) || !b.Equal(d(-2)) {
		t.Errorf("parsed %s, %s", a, b)
	}

	// A corrupt column must surface as an error, never scan as zero.
	if err := parseDecimals([]*decimal.Decimal{&a}, []string{"garbage"}); err == nil {
		t.Fatal("corrupt numeric column accepted")
	}
}
