// Package wire defines the protocol events exchanged between providers and
// consumers, and their CBOR encoding.
//
// # Events
//
// The set of events is closed:
//   - Request: consumer to provider, invokes a request of the interface
//   - NotifyRequest: consumer to provider, starts or stops notifications
//     for an attribute or broadcast
//   - Response: provider to consumer, carries a response, broadcast or
//     attribute update together with its outcome
//   - Notification: delivered locally when a service connection changes
//
// Engines switch on the concrete type; the Event interface is sealed.
//
// # Local and remote delivery
//
// In-process delivery hands the event value to the target directly, so
// arguments stay live Go values. Remote delivery encodes the event with
// Encode and rebuilds it with Decode on the other side; payloads then hold
// raw CBOR until read with As. Both paths look the same to the engines.
//
// # CBOR Integer Keys
//
// All maps use integer keys for compactness. An encoded event is an
// envelope {1: kind, 2: body}.
package wire
