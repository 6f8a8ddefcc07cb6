// Package policy loads an organizational policy document and answers
// allow/deny questions for providers, models, MCP transports, and runtimes.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/muxrun/mux/pkg/version"
)

// Status is the service's lifecycle state.
type Status string

const (
	// StatusDisabled means no policy source is configured; everything is allowed.
	StatusDisabled Status = "disabled"
	// StatusEnforced means a policy document is loaded and its rules apply.
	StatusEnforced Status = "enforced"
	// StatusBlocked is the fail-closed state: every predicate denies.
	StatusBlocked Status = "blocked"
)

// ErrClientBelowMinimum marks a policy that demands a newer client than the
// one running. Unlike a transient fetch failure, it is authoritative and
// blocks immediately even mid-run.
var ErrClientBelowMinimum = errors.New("client version below required minimum")

// document is the on-disk / on-wire policy schema.
type document struct {
	PolicyFormatVersion int              `json:"policy_format_version"`
	ServerVersion       string           `json:"server_version,omitempty"`
	MinimumClientVer    string           `json:"minimum_client_version,omitempty"`
	ProviderAccess      []providerAccess `json:"provider_access,omitempty"`
	Tools               *toolsSection    `json:"tools,omitempty"`
	Runtimes            []runtimeEntry   `json:"runtimes,omitempty"`
}

type providerAccess struct {
	ID          string   `json:"id"`
	BaseURL     string   `json:"base_url,omitempty"`
	ModelAccess []string `json:"model_access,omitempty"`
}

type toolsSection struct {
	AllowUserDefinedMCP *mcpAllowance `json:"allow_user_defined_mcp,omitempty"`
}

type mcpAllowance struct {
	Stdio  bool `json:"stdio"`
	Remote bool `json:"remote"`
}

type runtimeEntry struct {
	ID string `json:"id"`
}

// ProviderPolicy is one provider's entry in the effective policy.
type ProviderPolicy struct {
	ID            string
	ForcedBaseURL string
	// AllowedModels nil or empty means every model for this provider.
	AllowedModels []string
}

// MCPPolicy controls which user-defined MCP transports may be spawned.
type MCPPolicy struct {
	AllowStdio  bool
	AllowRemote bool
}

// EffectivePolicy is an immutable snapshot of the loaded document. It is
// replaced wholesale on each successful refresh, never mutated in place.
type EffectivePolicy struct {
	PolicyFormatVersion  int
	ServerVersion        string
	MinimumClientVersion string
	// ProviderAccess nil means no provider restriction at all.
	ProviderAccess []ProviderPolicy
	// MCP nil means user-defined MCP servers are unrestricted.
	MCP *MCPPolicy
	// Runtimes nil means every runtime kind is allowed.
	Runtimes []string
}

// parseDocument strict-parses raw and converts it to an effective policy,
// checking minimum_client_version against clientVersion. A version below the
// minimum is a load error (the caller fails closed).
func parseDocument(raw []byte, clientVersion string) (*EffectivePolicy, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if doc.PolicyFormatVersion < 1 {
		return nil, fmt.Errorf("unsupported policy_format_version %d", doc.PolicyFormatVersion)
	}
	for i, pa := range doc.ProviderAccess {
		if pa.ID == "" {
			return nil, fmt.Errorf("provider_access[%d]: missing id", i)
		}
	}
	if doc.MinimumClientVer != "" && !version.AtLeast(clientVersion, doc.MinimumClientVer) {
		return nil, fmt.Errorf("%w: client version %s, required minimum %s",
			ErrClientBelowMinimum, clientVersion, doc.MinimumClientVer)
	}

	eff := &EffectivePolicy{
		PolicyFormatVersion:  doc.PolicyFormatVersion,
		ServerVersion:        doc.ServerVersion,
		MinimumClientVersion: doc.MinimumClientVer,
	}
	if doc.ProviderAccess != nil {
		eff.ProviderAccess = make([]ProviderPolicy, 0, len(doc.ProviderAccess))
		for _, pa := range doc.ProviderAccess {
			eff.ProviderAccess = append(eff.ProviderAccess, ProviderPolicy{
				ID:            pa.ID,
				ForcedBaseURL: pa.BaseURL,
				AllowedModels: pa.ModelAccess,
			})
		}
	}
	if doc.Tools != nil && doc.Tools.AllowUserDefinedMCP != nil {
		eff.MCP = &MCPPolicy{
			AllowStdio:  doc.Tools.AllowUserDefinedMCP.Stdio,
			AllowRemote: doc.Tools.AllowUserDefinedMCP.Remote,
		}
	}
	if doc.Runtimes != nil {
		eff.Runtimes = make([]string, 0, len(doc.Runtimes))
		for _, rt := range doc.Runtimes {
			eff.Runtimes = append(eff.Runtimes, rt.ID)
		}
	}
	return eff, nil
}

// provider returns the entry for id, or nil when absent.
func (p *EffectivePolicy) provider(id string) *ProviderPolicy {
	if p == nil {
		return nil
	}
	for i := range p.ProviderAccess {
		if p.ProviderAccess[i].ID == id {
			return &p.ProviderAccess[i]
		}
	}
	return nil
}

// signature is a canonical fingerprint of {status, reason, policy} used to
// suppress redundant change notifications. json.Marshal emits struct fields
// in declaration order and sorts map keys, so equal states hash equal.
func signature(status Status, reason string, policy *EffectivePolicy) string {
	payload := struct {
		Status Status           `json:"status"`
		Reason string           `json:"reason,omitempty"`
		Policy *EffectivePolicy `json:"policy,omitempty"`
	}{status, reason, policy}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("err:%v", err)
	}
	return string(data)
}
