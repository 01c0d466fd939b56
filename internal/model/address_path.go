package model

import (
	"encoding/base64"
	"fmt"
)

// PathSegments renders the address as the two URL path segments used by the
// discovery admin API: "pk"/<hex> for public keys, "url"/<base64url> for
// opaque URLs.
func (a BackendAddress) PathSegments() (kind, value string) {
	if a.PublicKey != "" {
		return "pk", a.PublicKey
	}
	return "url", base64.RawURLEncoding.EncodeToString([]byte(a.URL))
}

// AddressFromPath parses the admin API path segment form.
func AddressFromPath(kind, value string) (BackendAddress, error) {
	switch kind {
	case "pk":
		a := PublicKeyAddress(value)
		return a, a.Validate()
	case "url":
		raw, err := base64.RawURLEncoding.DecodeString(value)
		if err != nil {
			return BackendAddress{}, fmt.Errorf("invalid url address encoding: %w", err)
		}
		a := URLAddress(string(raw))
		return a, a.Validate()
	default:
		return BackendAddress{}, fmt.Errorf("invalid address kind %q", kind)
	}
}
