// Package federation forwards RPC calls that reference workspaces owned by
// remote mux servers, translating IDs between the local and remote
// namespaces on the way in and out.
package federation

import (
	"encoding/base64"
	"strings"
)

// idPrefix tags locally-encoded remote identifiers. The remote ID itself is
// base64url so it can never collide with the separator.
const idPrefix = "mux-r1."

// EncodeRemoteID wraps a remote server's identifier into the local opaque
// form.
func EncodeRemoteID(serverID, remoteID string) string {
	return idPrefix + serverID + "." + base64.RawURLEncoding.EncodeToString([]byte(remoteID))
}

// DecodeRemoteID unwraps an encoded remote identifier. ok is false for any
// string that is not a well-formed encoding.
func DecodeRemoteID(s string) (serverID, remoteID string, ok bool) {
	rest, found := strings.CutPrefix(s, idPrefix)
	if !found {
		return "", "", false
	}
	i := strings.IndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(rest[i+1:])
	if err != nil || len(raw) == 0 {
		return "", "", false
	}
	return rest[:i], string(raw), true
}

// IsRemoteID reports whether s carries the remote encoding.
func IsRemoteID(s string) bool {
	_, _, ok := DecodeRemoteID(s)
	return ok
}
