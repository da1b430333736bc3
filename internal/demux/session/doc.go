// Package session drives one single-use client session against the
// storefront's demux endpoint: TLS connect, client-version greeting,
// authenticate, open the ownership service channel, send the inner query,
// and drain pushes until the matching answer arrives.
//
// Ownership boundary:
// - session configuration and TLS client transport
// - the Connecting -> Greeted -> Authenticated -> ChannelOpen -> Closed
//   state machine
// - error classification toward callers
//
// A session owns its socket exclusively and is destroyed on every exit path;
// retry policy lives with the caller (internal/importer), never here.
package session
