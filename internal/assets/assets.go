// Package assets centralizes asset symbol ↔ on-chain currency/issuer
// normalization. Every component that talks to the external ledger resolves
// currency codes through this registry instead of carrying its own mapping.
package assets

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownAsset is returned when a symbol has no registry entry.
	ErrUnknownAsset = errors.New("assets: unknown asset symbol")

	// ErrInvalidAsset is returned when a registration is malformed.
	ErrInvalidAsset = errors.New("assets: invalid asset definition")
)

// Asset binds a human-readable symbol to its on-chain wire representation.
type Asset struct {
	Symbol string `json:"symbol"` // e.g. "USDC"
	Code   string `json:"code"`   // on-chain currency code
	Issuer string `json:"issuer"` // issuing account address; empty for the native asset
}

// Native reports whether the asset is the ledger's native currency
// (no issuer).
func (a Asset) Native() bool {
	return a.Issuer == ""
}

// Matches reports whether an observed wire (code, issuer) pair denotes this
// asset. Codes compare case-insensitively; issuers exactly.
func (a Asset) Matches(code, issuer string) bool {
	return strings.EqualFold(a.Code, code) && a.Issuer == issuer
}

// Registry is a concurrency-safe symbol → Asset lookup table.
type Registry struct {
	mu     sync.RWMutex
	bySym  map[string]Asset
	byWire map[string]Asset
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySym:  make(map[string]Asset),
		byWire: make(map[string]Asset),
	}
}

// Register adds or replaces an asset definition.
func (r *Registry) Register(a Asset) error {
	if a.Symbol == "" || a.Code == "" {
		return ErrInvalidAsset
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sym := strings.ToUpper(a.Symbol)
	r.bySym[sym] = a
	r.byWire[wireKey(a.Code, a.Issuer)] = a
	return nil
}

// Resolve returns the asset for a symbol.
func (r *Registry) Resolve(symbol string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySym[strings.ToUpper(symbol)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return a, nil
}

// ResolveWire returns the asset for an observed (code, issuer) pair.
func (r *Registry) ResolveWire(code, issuer string) (Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byWire[wireKey(code, issuer)]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s/%s", ErrUnknownAsset, code, issuer)
	}
	return a, nil
}

func wireKey(code, issuer string) string {
	return strings.ToUpper(code) + "|" + issuer
}

// FormatAmount renders a token amount for the wire at the given scale,
// truncating excess precision rather than rounding up.
func FormatAmount(amount decimal.Decimal, scale int32) string {
	return amount.RoundDown(scale).StringFixed(scale)
}

// DefaultRegistry returns a registry pre-loaded with the assets the engine
// settles today.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Asset{
		{Symbol: "XLM", Code: "XLM"},
		{Symbol: "USDC", Code: "USDC", Issuer: "GA5ZSEJYB37JRC5AVCIA5MOP4RHTM335X2KGX3IHOJAPP5RE34K4KZVN"},
		{Symbol: "WBTC", Code: "WBTC", Issuer: "GDPJALI4AZKUU2W426U5WKMAT6CN3AJRPIIRYR2YM54TL2GDWO5O2MZM"},
	} {
		// Static table; registrations cannot fail.
		_ = r.Register(a)
	}
	return r
}
