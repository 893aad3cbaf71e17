// Package dedupe suppresses repeated relays of the same chat message.
//
// Clients retry sends over flaky sockets and the same message may arrive
// both over the socket and the REST relay. The cache remembers message
// keys for a window so each message fans out to a conversation once.
package dedupe
