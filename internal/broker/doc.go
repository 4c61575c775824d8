// Package broker implements the append-only, sequenced event log.
//
// Every observable fact in the gateway (connection changes, QR issuance,
// inbound and outbound messages, delivery-status transitions, webhook
// outcomes) is appended here as an immutable Event with a strictly
// increasing sequence number. Only the newest events are retained in a
// bounded ring; a subscriber resuming with the id of the last event it
// saw gets the retained events after it, in order, before live tailing.
//
// Fan-out follows the bounded-channel pattern: each subscriber gets a
// buffered channel and events are dropped per subscriber when that
// channel is full, never blocking the appender.
package broker
