package rpc

import "crypto/subtle"

// safeEq compares two strings in constant time with respect to their
// contents, so bearer-token checks do not leak the mismatch position.
func safeEq(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
