package market

// Slot rejection reasons. The allowed set is a property of the item
// type; settlement maps each reason to a fee outcome.
const (
	ReasonAccessAccount = "access-account"
	ReasonNotReachable  = "not-reachable"
	ReasonNotPossible   = "not-possible"
)

// ItemTypeSpec describes the trading rules for one item type.
type ItemTypeSpec struct {
	Name string

	// AllowsTopUp permits a participant holding a reservation to reserve
	// additional quantity on the same application.
	AllowsTopUp bool

	// RejectionReasons is the set of reasons a counterparty may give
	// when rejecting a slot of this item type.
	RejectionReasons []string
}

// AllowsReason reports whether the reason is valid for this item type.
func (s ItemTypeSpec) AllowsReason(reason string) bool {
	for _, allowed := range s.RejectionReasons {
		if allowed == reason {
			return true
		}
	}
	return false
}

// Catalog maps item type names to their trading rules.
type Catalog map[string]ItemTypeSpec

// Lookup returns the spec for an item type.
func (c Catalog) Lookup(name string) (ItemTypeSpec, bool) {
	spec, ok := c[name]
	return spec, ok
}

// DefaultCatalog returns the item types the marketplace trades out of
// the box.
func DefaultCatalog() Catalog {
	return Catalog{
		"account": {
			Name:             "account",
			AllowsTopUp:      false,
			RejectionReasons: []string{ReasonAccessAccount, ReasonNotReachable, ReasonNotPossible},
		},
		"bulk-item": {
			Name:             "bulk-item",
			AllowsTopUp:      true,
			RejectionReasons: []string{ReasonNotReachable, ReasonNotPossible},
		},
	}
}
