// Package cryptoutil holds the hashing helpers used to fingerprint
// uploaded archives and served bodies.
package cryptoutil
