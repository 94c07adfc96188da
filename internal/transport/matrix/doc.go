// Package matrix adapts a Matrix homeserver account to transport.Transport
// using maunium.net/go/mautrix.
//
// Pairing maps onto password login: an unregistered identity is exchanged
// for an access token and device id, which are reported as a credentials
// event and reused on later connects. Each direct or group room is a party.
//
// The first completed sync reports the connection as open. When the sync
// loop fails the connection reports closed with a reason derived from the
// homeserver error: M_UNKNOWN_TOKEN means the device was logged out, other
// token errors mean the stored credentials are unusable, and everything else
// is treated as a recoverable network failure.
package matrix
