package wire

import "github.com/svclink/svclink/pkg/iface"

// ConnectInfo is the argument of a ServiceConnect request.
type ConnectInfo struct {
	Service string        `cbor:"1,keyasint"`
	Version iface.Version `cbor:"2,keyasint"`
}
