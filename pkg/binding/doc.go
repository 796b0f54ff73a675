// Package binding ties a realtime channel to one component lifetime.
//
// A Binding is acquired on mount and released on unmount. While active it
// mirrors inbound messages into an ordered log, keeps a full presence
// snapshot refreshed on every transition, and exposes publish and
// update-presence calls. Every listener registered during Acquire has exactly
// one matching deregistration during Release, on every exit path, so
// remounting never accumulates duplicate listeners.
package binding
