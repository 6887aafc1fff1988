// Package chainoracle verifies cryptocurrency payments against public
// blockchain explorer APIs. One verifier per currency, registered in a
// lookup table; all implement the same contract.
package chainoracle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
)

// amountTolerance absorbs floating point noise when comparing paid amounts.
const amountTolerance = 1e-8

// defaultHTTPTimeout bounds a single explorer call when the caller supplies
// no client of its own.
const defaultHTTPTimeout = 15 * time.Second

// Verifier checks a single currency's transaction.
type Verifier interface {
	Verify(ctx context.Context, transactionID string, expectedAmount float64) error
}

// APIKeys carries the explorer credentials.
type APIKeys struct {
	Etherscan  string
	Blockchair string
	Solscan    string
}

// Registry dispatches verification by currency. It implements
// rental.PaymentVerifier.
type Registry struct {
	verifiers map[rental.Currency]Verifier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[rental.Currency]Verifier)}
}

// Register adds or replaces the verifier for a currency.
func (registry *Registry) Register(currency rental.Currency, verifier Verifier) {
	registry.verifiers[currency] = verifier
}

// VerifyPayment dispatches to the registered verifier.
func (registry *Registry) VerifyPayment(ctx context.Context, currency rental.Currency, transactionID string, expectedAmount float64) error {
	verifier, ok := registry.verifiers[currency]
	if !ok {
		return fmt.Errorf("%w: %s", rental.ErrUnknownCurrency, currency)
	}
	return verifier.Verify(ctx, transactionID, expectedAmount)
}

// NewRegistryFromPricing builds verifiers for every currency the pricing
// table carries an address for.
func NewRegistryFromPricing(table *rental.PricingTable, keys APIKeys, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	registry := NewRegistry()
	for _, currency := range table.Currencies() {
		address, _ := table.Address(currency)
		switch currency {
		case rental.CurrencyBTC:
			registry.Register(currency, NewBitcoinVerifier(client, address))
		case rental.CurrencyETH:
			registry.Register(currency, NewEthereumVerifier(client, address, keys.Etherscan))
		case rental.CurrencyLTC:
			registry.Register(currency, NewLitecoinVerifier(client, address, keys.Blockchair))
		case rental.CurrencySOL:
			registry.Register(currency, NewSolanaVerifier(client, address, keys.Solscan))
		}
	}
	return registry
}

func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", rental.ErrVerificationTransient, fmt.Sprintf(format, args...))
}

func rejectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", rental.ErrVerificationRejected, fmt.Sprintf(format, args...))
}

func amountMatches(paid float64, expected float64) bool {
	diff := paid - expected
	if diff < 0 {
		diff = -diff
	}
	return diff < amountTolerance
}
