// Package identity computes the canonical identity of a source product and the
// full set of alternate identifiers a feed row exposes.
package identity

import (
	"fmt"
	"strings"
)

// IDType enumerates identifier kinds. Priority for the canonical key is
// NETWORK_ITEM_ID > SKU > URL_HASH. UPC is never canonical: affiliate networks
// reuse UPCs across packagings, so it only serves product matching.
type IDType string

const (
	TypeNetworkItemID IDType = "NETWORK_ITEM_ID"
	TypeSKU           IDType = "SKU"
	TypeUPC           IDType = "UPC"
	TypeURLHash       IDType = "URL_HASH"
	TypeURL           IDType = "URL"
)

// Identifier is one (type, value) pair attached to a source product.
type Identifier struct {
	Type       IDType
	Value      string
	Namespace  string // empty means "none"
	Canonical  bool
	Normalized string
}

// Identity is the canonical key chosen for one row.
type Identity struct {
	Type  IDType
	Value string
	// URLHashFallback marks rows whose canonical key degraded to the URL hash.
	// The circuit breaker watches the fallback rate as a data-quality signal.
	URLHashFallback bool
}

// Key renders the canonical "type:value" string that is unique per source.
func (id Identity) Key() string {
	return fmt.Sprintf("%s:%s", id.Type, id.Value)
}

// Input carries the raw identifier columns of one parsed row.
type Input struct {
	NetworkItemID string
	SKU           string
	UPC           string
	URL           string
}

// Resolve picks the canonical identity for a row and emits every identifier the
// row exposes. The URL hash is always computed (the URL is a required field),
// so a canonical identity always exists.
func Resolve(in Input) (Identity, []Identifier) {
	urlHash := HashURL(in.URL)

	var id Identity
	switch {
	case in.NetworkItemID != "":
		id = Identity{Type: TypeNetworkItemID, Value: in.NetworkItemID}
	case in.SKU != "":
		id = Identity{Type: TypeSKU, Value: in.SKU}
	default:
		id = Identity{Type: TypeURLHash, Value: urlHash, URLHashFallback: true}
	}

	ids := make([]Identifier, 0, 5)
	if in.NetworkItemID != "" {
		ids = append(ids, Identifier{
			Type:       TypeNetworkItemID,
			Value:      in.NetworkItemID,
			Canonical:  id.Type == TypeNetworkItemID,
			Normalized: strings.TrimSpace(in.NetworkItemID),
		})
	}
	if in.SKU != "" {
		ids = append(ids, Identifier{
			Type:       TypeSKU,
			Value:      in.SKU,
			Canonical:  id.Type == TypeSKU,
			Normalized: strings.ToUpper(strings.TrimSpace(in.SKU)),
		})
	}
	if in.UPC != "" {
		ids = append(ids, Identifier{
			Type:       TypeUPC,
			Value:      in.UPC,
			Normalized: NormalizeUPC(in.UPC),
		})
	}
	ids = append(ids, Identifier{
		Type:       TypeURLHash,
		Value:      urlHash,
		Canonical:  id.Type == TypeURLHash,
		Normalized: urlHash,
	})
	if in.URL != "" {
		ids = append(ids, Identifier{
			Type:       TypeURL,
			Value:      in.URL,
			Normalized: NormalizeURL(in.URL),
		})
	}

	return id, ids
}

// NormalizeUPC keeps digits only, preserving leading zeros. Values shorter
// than 3 digits are rejected (empty result).
func NormalizeUPC(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 3 {
		return ""
	}
	return b.String()
}
