package federation

import "maps"

// RewriteContext carries the per-call facts response rewriters need.
type RewriteContext struct {
	ServerID string
	// Decoded maps bare remote IDs to their encoded forms.
	Decoded map[string]string
	// ProjectPaths maps remote project paths to local equivalents.
	ProjectPaths map[string]string
}

// PathRewriter adjusts a well-known response shape after the generic pass.
type PathRewriter func(value any, c RewriteContext) any

// RewriteWorkspaceMetadata encodes a workspace object's id into the remote
// namespace and maps its projectPath to the local mapping when one exists.
func RewriteWorkspaceMetadata(value any, c RewriteContext) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	out := maps.Clone(m)
	if id, ok := m["id"].(string); ok && !IsRemoteID(id) {
		out["id"] = EncodeRemoteID(c.ServerID, id)
	}
	if pp, ok := m["projectPath"].(string); ok {
		if local, mapped := c.ProjectPaths[pp]; mapped {
			out["projectPath"] = local
		}
	}
	return out
}

// RewriteTranscript encodes the per-message ids of a transcript or replay
// payload ({messages: [...]}); the ID-bearing fields inside each message
// are already covered by the generic pass.
func RewriteTranscript(value any, c RewriteContext) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	msgs, ok := m["messages"].([]any)
	if !ok {
		return value
	}
	out := maps.Clone(m)
	rewritten := make([]any, len(msgs))
	for i, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			rewritten[i] = raw
			continue
		}
		clone := maps.Clone(msg)
		if id, ok := msg["id"].(string); ok && id != "" && !IsRemoteID(id) {
			clone["id"] = EncodeRemoteID(c.ServerID, id)
		}
		rewritten[i] = clone
	}
	out["messages"] = rewritten
	return out
}
