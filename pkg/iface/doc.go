// Package iface describes service interfaces.
//
// A Descriptor carries the static metadata of one service interface: its
// name, version and kind, the identifiers of its requests, responses and
// attributes, which response answers which request, and how many parameters
// each response has. Providers and consumers of the same interface share one
// Descriptor; it is never modified after construction.
//
// Descriptors are normally produced by generated code through New. For
// tooling and tests, a YAML definition can be loaded instead:
//
//	desc, err := iface.LoadDescriptor("helloworld.yaml")
//	if err != nil {
//	    return err
//	}
//	resp, _ := desc.ResponseFor(msgid.RequestID(0))
package iface
