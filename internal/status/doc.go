// Package status tracks per-message delivery status for one session.
//
// The Ledger records every in-flight outbound message, applies status
// updates from the socket, maintains aggregate counters and ack-latency
// metrics, and lets callers wait for the first status observed on a
// just-sent message. Entries are removed as soon as a terminal status
// arrives; a periodic sweep evicts anything that never reached a terminal
// status within the TTL.
package status
