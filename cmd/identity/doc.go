// Package identity supplies the authenticated-user identity consumed by the
// conversation session and the presence tracker.
//
// Authentication itself happens elsewhere; this package only answers
// "who is the current user right now", synchronously and at any time.
package identity
