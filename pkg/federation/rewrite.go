package federation

import (
	"fmt"
	"reflect"
)

// maxRewriteDepth bounds traversal of request/response payloads; anything
// nested deeper is passed through untouched.
const maxRewriteDepth = 20

// idFields is the closed set of field names whose string values carry
// workspace/task/section identifiers, in both naming conventions plus the
// array forms.
var idFields = map[string]bool{
	"workspaceId":   true,
	"taskId":        true,
	"sectionId":     true,
	"workspace_id":  true,
	"task_id":       true,
	"section_id":    true,
	"workspaceIds":  true,
	"taskIds":       true,
	"sectionIds":    true,
	"workspace_ids": true,
	"task_ids":      true,
	"section_ids":   true,
}

// decodedSet accumulates every remote ID decoded from one request, keyed by
// the bare remote form, so the response pass can re-encode matches.
type decodedSet struct {
	serverID string
	byRemote map[string]string
}

func (d *decodedSet) record(serverID, remoteID, encoded string) {
	if d.serverID != "" && d.serverID != serverID {
		// Mixed-server requests are a caller bug, not a runtime condition.
		panic(fmt.Sprintf("federation: mixed remote server ids in one request: %q and %q",
			d.serverID, serverID))
	}
	d.serverID = serverID
	d.byRemote[remoteID] = encoded
}

// DecodeInput scans input for encoded remote IDs under the known field
// names and rewrites them to their bare remote form. serverID is "" when the
// input references no remote server; decoded maps bare remote IDs back to
// their encoded forms for the response pass.
func DecodeInput(input any) (rewritten any, serverID string, decoded map[string]string) {
	set := &decodedSet{byRemote: make(map[string]string)}
	visited := make(map[uintptr]bool)
	rewritten = decodeWalk(input, set, visited, 0, false)
	return rewritten, set.serverID, set.byRemote
}

func decodeWalk(value any, set *decodedSet, visited map[uintptr]bool, depth int, inIDField bool) any {
	if depth > maxRewriteDepth {
		return value
	}
	switch v := value.(type) {
	case string:
		if !inIDField {
			return v
		}
		sid, remote, ok := DecodeRemoteID(v)
		if !ok {
			return v
		}
		set.record(sid, remote, v)
		return remote
	case map[string]any:
		if entered := enter(visited, v); !entered {
			return v
		}
		defer leave(visited, v)
		out := make(map[string]any, len(v))
		for key, val := range v {
			out[key] = decodeWalk(val, set, visited, depth+1, idFields[key])
		}
		return out
	case []any:
		if entered := enter(visited, v); !entered {
			return v
		}
		defer leave(visited, v)
		out := make([]any, len(v))
		for i, val := range v {
			// Array forms apply the field's ID-ness to every element.
			out[i] = decodeWalk(val, set, visited, depth+1, inIDField)
		}
		return out
	default:
		return value
	}
}

// RewriteResponse re-encodes remote identifiers in a response payload:
// object keys that match a previously-decoded remote ID are replaced with
// their encoded form, and string values under the known ID fields are
// encoded into serverID's namespace.
func RewriteResponse(output any, serverID string, decoded map[string]string) any {
	if serverID == "" {
		return output
	}
	visited := make(map[uintptr]bool)
	return encodeWalk(output, serverID, decoded, visited, 0, false)
}

func encodeWalk(value any, serverID string, decoded map[string]string, visited map[uintptr]bool, depth int, inIDField bool) any {
	if depth > maxRewriteDepth {
		return value
	}
	switch v := value.(type) {
	case string:
		if !inIDField {
			return v
		}
		if IsRemoteID(v) {
			return v
		}
		return EncodeRemoteID(serverID, v)
	case map[string]any:
		if entered := enter(visited, v); !entered {
			return v
		}
		defer leave(visited, v)
		out := make(map[string]any, len(v))
		for key, val := range v {
			outKey := key
			if encoded, ok := decoded[key]; ok {
				outKey = encoded
			}
			out[outKey] = encodeWalk(val, serverID, decoded, visited, depth+1, idFields[key])
		}
		return out
	case []any:
		if entered := enter(visited, v); !entered {
			return v
		}
		defer leave(visited, v)
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = encodeWalk(val, serverID, decoded, visited, depth+1, inIDField)
		}
		return out
	default:
		return value
	}
}

// enter marks a container as in-progress; false means we are already inside
// it (a cycle) and must stop.
func enter(visited map[uintptr]bool, container any) bool {
	ptr := reflect.ValueOf(container).Pointer()
	if visited[ptr] {
		return false
	}
	visited[ptr] = true
	return true
}

func leave(visited map[uintptr]bool, container any) {
	delete(visited, reflect.ValueOf(container).Pointer())
}
