// Package dedupe remembers recently handled transport event ids.
//
// Messaging networks commonly replay the tail of a timeline after a
// reconnect. Adapters call Observe with Key(scope, eventID) for every
// inbound event and skip the ones reported as duplicates.
package dedupe
