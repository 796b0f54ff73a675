// Package realtime defines the transport contract consumed by channel
// bindings: a connected client hands out named channels, each channel carries
// typed messages and a presence registry, and every subscribe returns the
// handle for its matching unsubscribe.
//
// Implementations live in subpackages (memoryhub, redishub). The contract is
// deliberately narrow: connection management, delivery ordering and the
// presence wire format stay the transport's concern.
package realtime
