// ABOUTME: HMAC-SHA256 body signing shared by outbound POSTs and inbound verification.
// ABOUTME: Verification is constant-time; the header format is a wire contract.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the body signature on webhook requests.
const SignatureHeader = "X-Signature-256"

const signaturePrefix = "sha256="

// Sign computes the signature header value for a raw request body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature header against the exact received
// body bytes using a constant-time comparison. A missing or malformed
// header fails verification.
func Verify(secret, body []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}
