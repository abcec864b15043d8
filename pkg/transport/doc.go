// Package transport moves protocol events between endpoints.
//
// The Router is the single Sender every provider and consumer uses. It
// knows two kinds of routes:
//   - local endpoints, reached by posting the event object onto the
//     endpoint's dispatch loop (payloads stay live values)
//   - remote nodes, reached by encoding the event and sending it over a
//     Link to the node that hosts the target endpoint
//
// A send that cannot be completed, for any reason, is answered locally
// with a synthetic MESSAGE_UNDELIVERED response so the sending engine runs
// its normal failure handling.
//
// # Link Stack
//
//	┌────────────────────────────────┐
//	│   Event envelope (CBOR)        │
//	├────────────────────────────────┤
//	│   Frame type byte              │
//	├────────────────────────────────┤
//	│   Length-Prefix Framing (4B)   │
//	├────────────────────────────────┤
//	│   TLS (optional)               │
//	├────────────────────────────────┤
//	│   TCP                          │
//	└────────────────────────────────┘
//
// A link starts with a hello frame carrying each side's node identifier.
// Ping frames flow while a link is idle; a peer that stays silent for
// MaxMissed heartbeat intervals is dropped, and the Router reports the
// loss to every local endpoint that talked to that node.
package transport
