// Package municipalities holds the static directory of municipalities
// verified to expose water consumption through the portal. The upstream
// customer directory lists every tenant, most of which have no water
// menu, so the verified subset is maintained here.
package municipalities

import (
	"fmt"
	"sort"

	"github.com/citywater/citywater/pkg/types"
)

// Verified municipalities with water consumption support.
var Verified = []types.Municipality{
	{
		CustomerID: 812100,
		NameHe:     "מי מודיעין",
		LogoURL:    "logos/812100.gif",
	},
	{
		CustomerID: 712680,
		NameHe:     "מיתר",
		LogoURL:    "logos/712680.png",
	},
}

// ByID returns the verified municipality for the given customer id.
func ByID(customerID int) (types.Municipality, bool) {
	for _, m := range Verified {
		if m.CustomerID == customerID {
			return m, true
		}
	}
	return types.Municipality{}, false
}

// Name returns the Hebrew name for the given customer id, or a
// placeholder when the id is not in the verified set.
func Name(customerID int) string {
	if m, ok := ByID(customerID); ok {
		return m.NameHe
	}
	return fmt.Sprintf("Unknown (%d)", customerID)
}

// Sorted returns the verified municipalities ordered by Hebrew name.
func Sorted() []types.Municipality {
	out := make([]types.Municipality, len(Verified))
	copy(out, Verified)
	sort.Slice(out, func(i, j int) bool {
		return out[i].NameHe < out[j].NameHe
	})
	return out
}
