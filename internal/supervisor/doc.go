// Package supervisor owns the lifecycle of the single transport connection.
//
// # State machine
//
//	idle -> connecting -> awaiting_pairing -> open
//	          ^   |              |             |
//	          |   +--------------+-------------+--> closing -> idle
//	          +-- reconnect timer <--- recoverable close
//
// A Supervisor runs one goroutine (Run) that serializes operator commands,
// connection results, transport events and timer expiries. Each connect
// attempt gets a generation number; events from older generations are
// dropped, so a late event from a retired connection can never move the
// state machine.
//
// # Disconnects
//
//   - recoverable: reconnect after Backoff.Delay, preserving credentials
//   - logged out: credentials are reset and the supervisor goes idle
//   - credentials invalid: credentials are reset and a fresh pairing starts
//
// After Backoff.MaxAttempts consecutive failures without reaching open the
// credentials are discarded and pairing starts again.
//
// Pairing challenges are published on a pairing.Board for presentation.
package supervisor
