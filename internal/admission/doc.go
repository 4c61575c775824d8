// Package admission implements the per-session send rate window.
package admission
