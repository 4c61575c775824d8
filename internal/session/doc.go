// Package session owns the gateway's sessions.
//
// A Session is one long-lived logical connection to the chat platform,
// with its own connection state machine, QR/pairing flow, delivery-status
// ledger, and send admission window. The Supervisor drives a session's
// socket lifecycle: reconnection with doubling backoff, QR challenge TTLs,
// and the generation guard that discards stale scheduled reconnects. The
// Registry composes one Supervisor per session and implements the
// create/start/patch/delete lifecycle, persisting the session index
// synchronously before reporting success.
//
// Sends against one session are serialized through a single consumer
// goroutine; sessions never block one another.
package session
