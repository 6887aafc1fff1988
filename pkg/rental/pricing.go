package rental

import (
	"fmt"
	"sort"
)

// DurationTier is a named rental duration with a flat point cost. Tier costs
// are configuration, not derived from an hourly rate.
type DurationTier struct {
	Key       DurationKey
	Label     string
	Seconds   int64
	PointCost Points
}

// PointsPackage is a purchasable bundle of points with a fixed fiat price.
type PointsPackage struct {
	Points     Points
	PriceCents int64
}

// PaymentAddress is the deposit address for one currency together with the
// confirmation depth the oracle requires.
type PaymentAddress struct {
	Address          string
	MinConfirmations int
}

// PricingTable holds the duration tiers, the points packages, and the
// per-currency payment addresses. It is loaded once at startup and read-only
// afterwards.
type PricingTable struct {
	tiers     map[DurationKey]DurationTier
	tierOrder []DurationKey
	packages  map[Points]PointsPackage
	addresses map[Currency]PaymentAddress
}

// NewPricingTable validates and assembles a pricing table. Tiers keep the
// order they were given in; packages are sorted by size.
func NewPricingTable(tiers []DurationTier, packages []PointsPackage, addresses map[Currency]PaymentAddress) (*PricingTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one duration tier required", ErrInvalidServiceConfig)
	}
	table := &PricingTable{
		tiers:     make(map[DurationKey]DurationTier, len(tiers)),
		tierOrder: make([]DurationKey, 0, len(tiers)),
		packages:  make(map[Points]PointsPackage, len(packages)),
		addresses: make(map[Currency]PaymentAddress, len(addresses)),
	}
	for _, tier := range tiers {
		if tier.Key == "" || tier.Seconds <= 0 || tier.PointCost <= 0 {
			return nil, fmt.Errorf("%w: tier %q must have positive seconds and cost", ErrInvalidServiceConfig, tier.Key)
		}
		if _, exists := table.tiers[tier.Key]; exists {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidServiceConfig, tier.Key)
		}
		table.tiers[tier.Key] = tier
		table.tierOrder = append(table.tierOrder, tier.Key)
	}
	for _, pkg := range packages {
		if pkg.Points <= 0 || pkg.PriceCents <= 0 {
			return nil, fmt.Errorf("%w: package %d must have positive points and price", ErrInvalidServiceConfig, pkg.Points)
		}
		table.packages[pkg.Points] = pkg
	}
	for currency, address := range addresses {
		if address.Address == "" {
			return nil, fmt.Errorf("%w: empty address for %s", ErrInvalidServiceConfig, currency)
		}
		if address.MinConfirmations < 0 {
			return nil, fmt.Errorf("%w: negative confirmations for %s", ErrInvalidServiceConfig, currency)
		}
		table.addresses[currency] = address
	}
	return table, nil
}

// Tier looks up a duration tier by key.
func (table *PricingTable) Tier(key DurationKey) (DurationTier, bool) {
	tier, ok := table.tiers[key]
	return tier, ok
}

// Tiers returns the tiers in configuration order.
func (table *PricingTable) Tiers() []DurationTier {
	tiers := make([]DurationTier, 0, len(table.tierOrder))
	for _, key := range table.tierOrder {
		tiers = append(tiers, table.tiers[key])
	}
	return tiers
}

// Package looks up a points package by its size.
func (table *PricingTable) Package(points Points) (PointsPackage, bool) {
	pkg, ok := table.packages[points]
	return pkg, ok
}

// Packages returns the packages sorted by points ascending.
func (table *PricingTable) Packages() []PointsPackage {
	packages := make([]PointsPackage, 0, len(table.packages))
	for _, pkg := range table.packages {
		packages = append(packages, pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Points < packages[j].Points })
	return packages
}

// Address returns the payment address for a currency.
func (table *PricingTable) Address(currency Currency) (PaymentAddress, bool) {
	address, ok := table.addresses[currency]
	return address, ok
}

// Currencies returns the configured currencies sorted alphabetically.
func (table *PricingTable) Currencies() []Currency {
	currencies := make([]Currency, 0, len(table.addresses))
	for currency := range table.addresses {
		currencies = append(currencies, currency)
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i] < currencies[j] })
	return currencies
}

// DefaultTiers mirrors the stock duration configuration.
func DefaultTiers() []DurationTier {
	return []DurationTier{
		{Key: "10min", Label: "10 Minutes", Seconds: 600, PointCost: 10},
		{Key: "30min", Label: "30 Minutes", Seconds: 1800, PointCost: 25},
		{Key: "1h", Label: "1 Hour", Seconds: 3600, PointCost: 45},
		{Key: "3h", Label: "3 Hours", Seconds: 10800, PointCost: 120},
		{Key: "6h", Label: "6 Hours", Seconds: 21600, PointCost: 210},
		{Key: "12h", Label: "12 Hours", Seconds: 43200, PointCost: 380},
		{Key: "1d", Label: "1 Day", Seconds: 86400, PointCost: 700},
	}
}

// DefaultPackages mirrors the stock points price list (prices in euro cents).
func DefaultPackages() []PointsPackage {
	return []PointsPackage{
		{Points: 50, PriceCents: 200},
		{Points: 100, PriceCents: 300},
		{Points: 250, PriceCents: 600},
		{Points: 500, PriceCents: 1000},
		{Points: 750, PriceCents: 1300},
		{Points: 1000, PriceCents: 2000},
	}
}
