// Package api is the HTTP control plane.
//
// It exposes instance lifecycle, the admission-controlled send path, the
// delivery metrics of each session, and the sequenced event log, both as
// a paged JSON view and as a resumable SSE stream. All handlers translate
// domain errors to HTTP status codes in one place; handlers themselves
// never write bespoke status logic.
package api
