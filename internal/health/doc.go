// Package health holds the liveness and readiness probes shared by the
// public and ops listeners.
//
// Readiness in capserve is [All] of the [ShutdownGate], the package store
// and the rewrite sandbox, each wrapped with [Named] so the 503 body names
// the failing part.
package health
