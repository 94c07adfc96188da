// Package loopback implements transport.Transport entirely in process.
//
// A Network stands in for the remote messaging service. Tests and the
// console mode drive it directly: ApprovePairing confirms a pairing
// challenge, Drop closes the connection with a chosen reason and Deliver
// injects inbound messages. Outbound sends are recorded and can be
// inspected with Sent and SentTo.
//
// Unregistered identities receive a QR challenge on connect. Registered
// identities open immediately unless WithAutoOpen(false) is given.
package loopback
