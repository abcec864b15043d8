package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// Address identifies a provider or consumer endpoint.
// Addresses are plain values; they never reference the endpoint object.
type Address struct {
	// Node is the process hosting the endpoint.
	Node uuid.UUID `cbor:"1,keyasint"`

	// Endpoint is unique per provider or consumer instance.
	Endpoint uuid.UUID `cbor:"2,keyasint"`

	// Service is the interface name.
	Service string `cbor:"3,keyasint,omitempty"`

	// Role distinguishes several instances of one interface.
	Role string `cbor:"4,keyasint,omitempty"`
}

// NewAddress returns an address with a fresh endpoint identifier.
func NewAddress(node uuid.UUID, service, role string) Address {
	return Address{
		Node:     node,
		Endpoint: uuid.New(),
		Service:  service,
		Role:     role,
	}
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Endpoint == uuid.Nil
}

// SameEndpoint reports whether a and b name the same endpoint.
func (a Address) SameEndpoint(b Address) bool {
	return a.Node == b.Node && a.Endpoint == b.Endpoint
}

// String returns "service/role@node:endpoint" with shortened identifiers.
func (a Address) String() string {
	return fmt.Sprintf("%s/%s@%s:%s", a.Service, a.Role, short(a.Node), short(a.Endpoint))
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}
