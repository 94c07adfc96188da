// Package dialogue runs one menu-driven conversation per remote party.
//
// # Sessions
//
// A Manager keeps a registry of Sessions keyed by party id. Each session
// tracks its current menu node, a navigation trail for back options, and
// whether it is suspended after a non-response terminal. Home tokens ("0",
// "inicio" and "menu" by default, compared without case or accents) always
// return to the root.
//
// # Inactivity
//
// Every inbound message rearms two timers: a warning after WarnAfter and a
// reset to root after ResetAfter. Timers remember the epoch they were armed
// in; a timer whose epoch is stale, or whose session was destroyed, does
// nothing.
//
// # Replies
//
// Replies go into the session's outbox and a per-session worker sends them
// in order through the Sender. Failed sends are logged and counted but never
// change session state. Sessions survive transport outages; ChannelReady and
// ChannelLost only toggle whether sends are attempted.
package dialogue
