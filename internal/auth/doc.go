// Package auth verifies bearer tokens on the control-plane API.
//
// Tokens are HS256-signed JWTs carrying the principal in the "sub" claim.
// With no secret configured the middleware is a pass-through, matching
// the webhook contract where a missing secret disables verification.
package auth
