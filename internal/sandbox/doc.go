// Package sandbox isolates HTML rewriting behind a message boundary.
//
// A [Client] sends CBOR-encoded [Request] frames over any byte stream and
// matches [Response] frames back by correlation id, so many rewrites can be
// outstanding at once. [Serve] runs the worker side. Two transports exist:
// [NewInProcess] serves a worker goroutine over net.Pipe, and
// [StartSubprocess] re-executes the binary as a worker speaking over
// stdin and stdout.
package sandbox
