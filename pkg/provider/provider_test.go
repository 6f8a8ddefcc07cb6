package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/muxrun/mux/pkg/policy"
)

type fakeAccess struct {
	providers map[string]bool
	models    map[string]bool
	effective *policy.EffectivePolicy
}

func (f *fakeAccess) IsProviderAllowed(provider string) bool {
	return f.providers[provider]
}

func (f *fakeAccess) IsModelAllowed(provider, model string) bool {
	return f.models[provider+"/"+model]
}

func (f *fakeAccess) EffectivePolicy() *policy.EffectivePolicy {
	return f.effective
}

func allowAll() *fakeAccess {
	return &fakeAccess{
		providers: map[string]bool{ProviderAnthropic: true, ProviderOpenAI: true},
		models: map[string]bool{
			ProviderAnthropic + "/claude-sonnet-4-5": true,
			ProviderOpenAI + "/gpt-4o":               true,
		},
	}
}

type recordingClient struct {
	calls []Request
}

func (c *recordingClient) Complete(_ context.Context, req Request) (*Response, error) {
	c.calls = append(c.calls, req)
	return &Response{Content: "ok"}, nil
}

type countingFactory struct {
	builds   int
	baseURLs []string
	client   *recordingClient
}

func (f *countingFactory) build(_ string, cfg Config) (Client, error) {
	f.builds++
	f.baseURLs = append(f.baseURLs, cfg.BaseURL)
	return f.client, nil
}

func newTestRouter(access AccessPolicy) (*Router, *countingFactory) {
	factory := &countingFactory{client: &recordingClient{}}
	r := NewRouter(access, map[string]Config{
		ProviderAnthropic: {APIKey: "k1", BaseURL: "https://api.anthropic.test"},
		ProviderOpenAI:    {APIKey: "k2"},
	})
	r.newClient = factory.build
	return r, factory
}

func TestCompleteDispatches(t *testing.T) {
	r, factory := newTestRouter(allowAll())

	resp, err := r.Complete(context.Background(), ProviderAnthropic, Request{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Len(t, factory.client.calls, 1)
	require.Equal(t, "claude-sonnet-4-5", factory.client.calls[0].Model)
}

func TestBlockedProviderNeverBuildsClient(t *testing.T) {
	access := allowAll()
	access.providers[ProviderAnthropic] = false
	r, factory := newTestRouter(access)

	_, err := r.Complete(context.Background(), ProviderAnthropic, Request{Model: "claude-sonnet-4-5"})
	require.ErrorContains(t, err, "not allowed by policy")
	require.Zero(t, factory.builds)
}

func TestBlockedModelNeverBuildsClient(t *testing.T) {
	access := allowAll()
	delete(access.models, ProviderOpenAI+"/gpt-4o")
	r, factory := newTestRouter(access)

	_, err := r.Complete(context.Background(), ProviderOpenAI, Request{Model: "gpt-4o"})
	require.ErrorContains(t, err, `model "gpt-4o" is not allowed`)
	require.Zero(t, factory.builds)
}

func TestUnconfiguredProvider(t *testing.T) {
	access := allowAll()
	access.providers["mystery"] = true
	access.models["mystery/m1"] = true
	r, _ := newTestRouter(access)

	_, err := r.Complete(context.Background(), "mystery", Request{Model: "m1"})
	require.ErrorContains(t, err, "not configured")
}

func TestClientCachedAcrossCalls(t *testing.T) {
	r, factory := newTestRouter(allowAll())

	for range 3 {
		_, err := r.Complete(context.Background(), ProviderAnthropic, Request{Model: "claude-sonnet-4-5"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, factory.builds)
}

func TestForcedBaseURLOverridesAndRebuilds(t *testing.T) {
	access := allowAll()
	r, factory := newTestRouter(access)

	_, err := r.Complete(context.Background(), ProviderAnthropic, Request{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, []string{"https://api.anthropic.test"}, factory.baseURLs)

	// A policy refresh starts forcing a gateway URL; the next call must
	// rebuild the client against it.
	access.effective = &policy.EffectivePolicy{
		ProviderAccess: []policy.ProviderPolicy{
			{ID: ProviderAnthropic, ForcedBaseURL: "https://gateway.example.test"},
		},
	}
	_, err = r.Complete(context.Background(), ProviderAnthropic, Request{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, 2, factory.builds)
	require.Equal(t, "https://gateway.example.test", factory.baseURLs[1])

	// Same forced URL again: no rebuild.
	_, err = r.Complete(context.Background(), ProviderAnthropic, Request{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	require.Equal(t, 2, factory.builds)
}

func TestRealConstructorsRequireAPIKey(t *testing.T) {
	_, err := newAnthropicClient(Config{})
	require.ErrorContains(t, err, "api key required")

	_, err = newOpenAIClient(Config{})
	require.ErrorContains(t, err, "api key required")
}

func TestBuildClientUnknownProvider(t *testing.T) {
	_, err := buildClient("nope", Config{APIKey: "k"})
	require.ErrorContains(t, err, `unknown provider "nope"`)
}
