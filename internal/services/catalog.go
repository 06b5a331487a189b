package services

import (
	"strings"

	"entitlement-api/internal/models"
)

// Product kinds
const (
	ProductKindSubscription = "subscription"
	ProductKindConsumable   = "consumable"
)

// Product describes one sellable catalog entry
type Product struct {
	Kind string
	Tier string // subscription products only
}

// catalog maps product id suffixes to catalog entries. Store product ids
// arrive bundle-prefixed (e.g. com.example.pro.monthly), so lookup matches
// on suffix.
var catalog = map[string]Product{
	"pro.monthly":      {Kind: ProductKindSubscription, Tier: models.TierProMonthly},
	"pro.annual":       {Kind: ProductKindSubscription, Tier: models.TierProAnnual},
	"logicpack.starter": {Kind: ProductKindConsumable},
}

// LookupProduct resolves a store product id to a catalog entry
func LookupProduct(productID string) (Product, bool) {
	for suffix, product := range catalog {
		if productID == suffix || strings.HasSuffix(productID, "."+suffix) {
			return product, true
		}
	}
	return Product{}, false
}

// TierForProduct determines the subscription tier from a product id,
// falling back to free for unknown products.
func TierForProduct(productID string) string {
	product, ok := LookupProduct(productID)
	if !ok || product.Kind != ProductKindSubscription {
		return models.TierFree
	}
	return product.Tier
}

// IsConsumableProduct reports whether a product id is a one-time credit
// pack rather than a subscription.
func IsConsumableProduct(productID string) bool {
	product, ok := LookupProduct(productID)
	return ok && product.Kind == ProductKindConsumable
}
