// Package ratelimit limits package installs per client ip.
//
// Installs are the expensive path: every upload is unpacked, every document
// goes through the rewrite sandbox, and every stored byte is retained until
// the sweeper runs. The limiter is in-memory and per instance. It bounds
// what one address can queue and gives a single log line per offender; it
// does not stop distributed abuse, and the body has already been accepted by
// the time a request reaches it.
package ratelimit
