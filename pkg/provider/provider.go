// Package provider routes completion requests to model providers while
// enforcing the active access policy. It is a thin dispatch layer: chat
// orchestration, streaming and tool loops live elsewhere.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/muxrun/mux/pkg/policy"
)

// Well-known provider ids.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Message is one turn of a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a minimal completion request passed through to a provider.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"maxTokens,omitempty"`
}

// Response is the provider's completion result.
type Response struct {
	Content      string `json:"content"`
	StopReason   string `json:"stopReason,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// Client issues completions against one provider backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// AccessPolicy is the slice of the policy service the router consults.
// *policy.Service satisfies it.
type AccessPolicy interface {
	IsProviderAllowed(provider string) bool
	IsModelAllowed(provider, model string) bool
	EffectivePolicy() *policy.EffectivePolicy
}

// Config holds the locally configured credentials for one provider.
type Config struct {
	APIKey  string
	BaseURL string
}

// Router maps provider ids to clients and gates every dispatch on the
// access policy. A base URL forced by policy overrides the configured one;
// clients are rebuilt when the effective base URL changes.
type Router struct {
	logger *zap.Logger
	access AccessPolicy
	cfgs   map[string]Config

	mu      sync.Mutex
	clients map[string]cachedClient

	// newClient is swappable in tests.
	newClient func(id string, cfg Config) (Client, error)
}

type cachedClient struct {
	baseURL string
	client  Client
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router over the given provider configs. access gates
// every call; cfgs keys are provider ids.
func NewRouter(access AccessPolicy, cfgs map[string]Config, opts ...Option) *Router {
	r := &Router{
		logger:    zap.NewNop(),
		access:    access,
		cfgs:      cfgs,
		clients:   make(map[string]cachedClient),
		newClient: buildClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Complete dispatches req to the named provider. It fails before any
// network activity when the provider or model is not allowed.
func (r *Router) Complete(ctx context.Context, providerID string, req Request) (*Response, error) {
	providerID = strings.TrimSpace(providerID)
	if !r.access.IsProviderAllowed(providerID) {
		return nil, fmt.Errorf("provider %q is not allowed by policy", providerID)
	}
	if !r.access.IsModelAllowed(providerID, req.Model) {
		return nil, fmt.Errorf("model %q is not allowed for provider %q", req.Model, providerID)
	}

	client, err := r.clientFor(providerID)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("provider dispatch",
		zap.String("provider", providerID),
		zap.String("model", req.Model))
	return client.Complete(ctx, req)
}

// clientFor returns the cached client for providerID, rebuilding it when
// the policy-effective base URL has changed since construction.
func (r *Router) clientFor(providerID string) (Client, error) {
	cfg, ok := r.cfgs[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", providerID)
	}
	if forced := r.forcedBaseURL(providerID); forced != "" {
		cfg.BaseURL = forced
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[providerID]; ok && entry.baseURL == cfg.BaseURL {
		return entry.client, nil
	}

	client, err := r.newClient(providerID, cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", providerID, err)
	}
	r.clients[providerID] = cachedClient{baseURL: cfg.BaseURL, client: client}
	return client, nil
}

func (r *Router) forcedBaseURL(providerID string) string {
	eff := r.access.EffectivePolicy()
	if eff == nil {
		return ""
	}
	for _, pa := range eff.ProviderAccess {
		if pa.ID == providerID {
			return pa.ForcedBaseURL
		}
	}
	return ""
}

func buildClient(id string, cfg Config) (Client, error) {
	switch id {
	case ProviderAnthropic:
		return newAnthropicClient(cfg)
	case ProviderOpenAI:
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", id)
	}
}
