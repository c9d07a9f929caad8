package assets

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRegistry_ResolveBySymbol(t *testing.T) {
	r := DefaultRegistry()

	a, err := r.Resolve("usdc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Code != "USDC" || a.Issuer == "" {
		t.Errorf("unexpected asset: %+v", a)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := DefaultRegistry()
	if _, err := r.Resolve("DOGE"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestRegistry_ResolveWire(t *testing.T) {
	r := NewRegistry()
	want := Asset{Symbol: "USDC", Code: "USDC", Issuer: "GISSUER"}
	if err := r.Register(want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.ResolveWire("usdc", "GISSUER")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Symbol != "USDC" {
		t.Errorf("unexpected asset: %+v", got)
	}

	// Wrong issuer must not resolve.
	if _, err := r.ResolveWire("USDC", "GOTHER"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset for wrong issuer, got %v", err)
	}
}

func TestRegister_Invalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Asset{Symbol: "", Code: "USDC"}); err != ErrInvalidAsset {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestAsset_Matches(t *testing.T) {
	a := Asset{Symbol: "USDC", Code: "USDC", Issuer: "GISSUER"}
	if !a.Matches("usdc", "GISSUER") {
		t.Error("case-insensitive code match expected")
	}
	if a.Matches("USDC", "GOTHER") {
		t.Error("issuer must match exactly")
	}
}

func TestAsset_Native(t *testing.T) {
	if !(Asset{Symbol: "XLM", Code: "XLM"}).Native() {
		t.Error("issuerless asset should be native")
	}
	if (Asset{Symbol: "USDC", Code: "USDC", Issuer: "G"}).Native() {
		t.Error("issued asset should not be native")
	}
}

func TestFormatAmount_Truncates(t *testing.T) {
	amt, _ := decimal.NewFromString("1.234567899")
	got := FormatAmount(amt, 8)
	if got != "1.23456789" {
		t.Errorf("expected 1.23456789, got %s", got)
	}
}
