// Package sshterminal runs interactive remote shells over SSH.
//
// A [Session] owns one connection: it authenticates with a resolved
// [AuthMethod], opens a PTY-backed shell, and streams output into an
// append-only buffer and, in order, to an output consumer. The [Registry]
// holds every live session of the process and notifies listeners when
// sessions are created or closed.
//
// # Session Lifecycle
//
//  1. [NewSession] or [Registry.Create] → state=[StateCreated].
//  2. [Session.Connect] → state=[StateAuthenticating]. Key files are read
//     before any dial; the handshake honours the caller's context.
//  3. Shell started → state=[StateConnected]. One reader goroutine appends
//     each chunk to the buffer and queues it; one dispatcher goroutine
//     delivers the queue to the consumer.
//  4. Remote exit, transport failure or [Session.Disconnect] →
//     state=[StateClosed]. [Session.Done] is closed once every queued chunk
//     has been delivered.
//
// # Errors
//
// Connect reports authentication failures as
// *errortypes.AuthenticationError and dial or handshake failures as
// *errortypes.TransportError, so [ConnectWithRetry] only retries the
// latter. Missing key files are *errortypes.ResourceError.
//
// # Log Fields
//
// Sessions log with component=session, the registry with
// component=session-registry.
package sshterminal
