// Package webhook forwards broker events to an external URL and accepts
// signed inbound webhooks.
//
// Outbound bodies are signed with HMAC-SHA256 over the exact raw bytes
// and delivered at-least-once with incremental backoff; every attempt is
// written back onto the event's delivery sub-record. Inbound requests are
// verified with the same signature scheme (constant-time comparison) and
// deduplicated by idempotency key within a bounded window.
package webhook
