// Package sanctions answers whether an address is on the sanctions list.
//
// Stores are read-only from the service's point of view; how the list is
// populated is out of scope. Every store compares lower-cased addresses.
package sanctions

import (
	"context"
	"strings"
)

// Checker is a keyed existence check against the sanctions list.
type Checker interface {
	IsSanctioned(ctx context.Context, address string) (bool, error)
}

// Normalize lower-cases and trims an address for lookup.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
