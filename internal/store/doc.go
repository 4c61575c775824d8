// Package store persists the durable slice of gateway state.
//
// Two things survive a restart: the session index (identity and metadata
// for every registered session, reloaded on boot to restart them) and a
// bounded mirror of recent broker events (so operators can inspect the
// event log across restarts). Everything else — connection state, QR
// challenges, in-flight delivery status — is rebuilt live.
//
// SQLiteStore is the production implementation; MemoryStore backs tests.
package store
