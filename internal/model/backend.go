// Package model defines the wire and storage records shared by the LNURL,
// discovery, and offer services. All JSON uses camelCase field names.
package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var publicKeyPattern = regexp.MustCompile(`^0[23][0-9a-f]{64}$`)

// BackendAddress identifies a Lightning backend either by its node public key
// (33-byte compressed secp256k1, lower hex) or by an opaque URL. Exactly one
// of the two is set.
type BackendAddress struct {
	PublicKey string
	URL       string
}

// PublicKeyAddress returns an address identified by a node public key.
func PublicKeyAddress(hexKey string) BackendAddress {
	return BackendAddress{PublicKey: strings.ToLower(hexKey)}
}

// URLAddress returns an address identified by an opaque URL.
func URLAddress(u string) BackendAddress {
	return BackendAddress{URL: u}
}

// String returns the canonical form used as a store key: "pk:<hex>" or
// "url:<url>".
func (a BackendAddress) String() string {
	if a.PublicKey != "" {
		return "pk:" + a.PublicKey
	}
	return "url:" + a.URL
}

// ParseBackendAddress parses the canonical "pk:"/"url:" form.
func ParseBackendAddress(s string) (BackendAddress, error) {
	switch {
	case strings.HasPrefix(s, "pk:"):
		a := PublicKeyAddress(strings.TrimPrefix(s, "pk:"))
		return a, a.Validate()
	case strings.HasPrefix(s, "url:"):
		a := URLAddress(strings.TrimPrefix(s, "url:"))
		return a, a.Validate()
	default:
		return BackendAddress{}, fmt.Errorf("invalid backend address %q", s)
	}
}

// IsZero reports whether neither variant is set.
func (a BackendAddress) IsZero() bool {
	return a.PublicKey == "" && a.URL == ""
}

// Validate checks that exactly one variant is set and well formed.
func (a BackendAddress) Validate() error {
	switch {
	case a.PublicKey != "" && a.URL != "":
		return fmt.Errorf("backend address must be a public key or a url, not both")
	case a.PublicKey != "":
		if !publicKeyPattern.MatchString(a.PublicKey) {
			return fmt.Errorf("invalid backend public key %q", a.PublicKey)
		}
		return nil
	case a.URL != "":
		if _, err := url.Parse(a.URL); err != nil {
			return fmt.Errorf("invalid backend url %q: %w", a.URL, err)
		}
		return nil
	default:
		return fmt.Errorf("backend address is empty")
	}
}

type backendAddressJSON struct {
	PublicKey string `json:"publicKey,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MarshalJSON encodes the address as {"publicKey": ...} or {"url": ...}.
func (a BackendAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(backendAddressJSON{PublicKey: a.PublicKey, URL: a.URL})
}

// UnmarshalJSON decodes either address variant.
func (a *BackendAddress) UnmarshalJSON(data []byte) error {
	var raw backendAddressJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.PublicKey = strings.ToLower(raw.PublicKey)
	a.URL = raw.URL
	return a.Validate()
}

// ClnGrpcAuth holds the mTLS credential paths for a CLN grpc endpoint.
type ClnGrpcAuth struct {
	CACertPath     string `json:"caCertPath"`
	ClientCertPath string `json:"clientCertPath"`
	ClientKeyPath  string `json:"clientKeyPath"`
}

// ClnGrpcImplementation describes a Core Lightning grpc backend.
type ClnGrpcImplementation struct {
	URL       string      `json:"url"`
	SNIDomain string      `json:"sniDomain,omitempty"`
	Auth      ClnGrpcAuth `json:"auth"`
}

// LndGrpcAuth holds the TLS certificate and macaroon paths for an LND grpc
// endpoint.
type LndGrpcAuth struct {
	TLSCertPath  string `json:"tlsCertPath"`
	MacaroonPath string `json:"macaroonPath"`
}

// LndGrpcImplementation describes an LND grpc backend.
type LndGrpcImplementation struct {
	URL        string      `json:"url"`
	SNIDomain  string      `json:"sniDomain,omitempty"`
	Auth       LndGrpcAuth `json:"auth"`
	AmpInvoice bool        `json:"ampInvoice"`
}

// BackendImplementation is a tagged union over the supported node
// implementations. Exactly one variant is set.
type BackendImplementation struct {
	ClnGrpc *ClnGrpcImplementation `json:"clnGrpc,omitempty"`
	LndGrpc *LndGrpcImplementation `json:"lndGrpc,omitempty"`
}

// Validate checks that exactly one implementation variant is set.
func (i BackendImplementation) Validate() error {
	set := 0
	if i.ClnGrpc != nil {
		set++
		if i.ClnGrpc.URL == "" {
			return fmt.Errorf("clnGrpc implementation requires a url")
		}
	}
	if i.LndGrpc != nil {
		set++
		if i.LndGrpc.URL == "" {
			return fmt.Errorf("lndGrpc implementation requires a url")
		}
	}
	if set != 1 {
		return fmt.Errorf("backend implementation must set exactly one of clnGrpc, lndGrpc")
	}
	return nil
}

// DiscoveryBackendSparse carries the mutable fields of a backend
// registration.
type DiscoveryBackendSparse struct {
	Name           string                `json:"name,omitempty"`
	Partitions     []string              `json:"partitions"`
	Weight         int                   `json:"weight"`
	Enabled        bool                  `json:"enabled"`
	Implementation BackendImplementation `json:"implementation"`
}

// DiscoveryBackend is one registered Lightning node. The address is unique
// across all registrations.
type DiscoveryBackend struct {
	Address BackendAddress `json:"address"`
	DiscoveryBackendSparse
}

// Validate checks the registration invariants.
func (b DiscoveryBackend) Validate() error {
	if err := b.Address.Validate(); err != nil {
		return err
	}
	if b.Weight < 0 {
		return fmt.Errorf("backend weight must be non-negative, got %d", b.Weight)
	}
	if len(b.Partitions) == 0 {
		return fmt.Errorf("backend must serve at least one partition")
	}
	return b.Implementation.Validate()
}

// InPartition reports whether the backend serves the given partition.
func (b DiscoveryBackend) InPartition(partition string) bool {
	for _, p := range b.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}

// DiscoveryBackendPatch is a partial update; nil fields are left unchanged.
type DiscoveryBackendPatch struct {
	Address    BackendAddress `json:"address"`
	Name       *string        `json:"name,omitempty"`
	Partitions *[]string      `json:"partitions,omitempty"`
	Weight     *int           `json:"weight,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty"`
}

// Apply merges the patch into a backend record.
func (p DiscoveryBackendPatch) Apply(b *DiscoveryBackend) {
	if p.Name != nil {
		b.Name = *p.Name
	}
	if p.Partitions != nil {
		b.Partitions = append([]string(nil), (*p.Partitions)...)
	}
	if p.Weight != nil {
		b.Weight = *p.Weight
	}
	if p.Enabled != nil {
		b.Enabled = *p.Enabled
	}
}

// DiscoveryBackends is the full registration set plus a change tag.
type DiscoveryBackends struct {
	Etag     uint64             `json:"etag"`
	Backends []DiscoveryBackend `json:"backends"`
}

// EtagString renders the etag as 16 hex characters for HTTP ETag headers.
func (d DiscoveryBackends) EtagString() string {
	return fmt.Sprintf("%016x", d.Etag)
}

// SortBackends orders registrations by address bytes ascending, the tie-break
// order used by the selector.
func SortBackends(backends []DiscoveryBackend) {
	sort.Slice(backends, func(i, j int) bool {
		return backends[i].Address.String() < backends[j].Address.String()
	})
}
