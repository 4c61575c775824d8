// Package socket defines the boundary to the external chat-platform
// connection.
//
// The gateway never implements the platform's wire protocol or
// cryptography. It talks to an opaque Socket that emits connection, QR,
// message, and delivery-status events on a channel and accepts send and
// logout commands. A Dialer constructs sockets and owns the credential
// material persisted per session.
//
// The sockettest subpackage provides a scriptable fake used throughout
// the test suite.
package socket
