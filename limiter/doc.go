// Package limiter holds the two admission controls in front of the
// transcoder: a per-user cooldown backed by a shared expiring-key store, and
// a process-wide gate bounding concurrent conversions.
//
// Both are built once at startup and injected into whatever needs them.
package limiter
