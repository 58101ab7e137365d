package model

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Known provider names, probed in chain order.
const (
	ProviderGPT4All = "gpt4all"
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
)

const probeTimeout = 2 * time.Second

// ProviderConfig describes one external provider endpoint.
type ProviderConfig struct {
	Name       string `yaml:"name" json:"name"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	HealthPath string `yaml:"health_path" json:"health_path"`
}

// ProviderStatus is one provider's probe result.
type ProviderStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// ChainStatus is the payload served by /api/models.
type ChainStatus struct {
	OK        bool                      `json:"ok"`
	Mode      string                    `json:"mode"`
	Chain     []string                  `json:"chain"`
	Providers map[string]ProviderStatus `json:"providers"`
}

// Chain probes the configured providers in order and reports which are
// reachable. It does not route generation itself; the active adapter is
// chosen at startup from the first healthy provider, falling back to the
// builtin echo adapter.
type Chain struct {
	mode      string
	providers []ProviderConfig
	client    *http.Client
}

// NewChain creates a probe chain. Mode is the configured generation mode
// label reported to clients.
func NewChain(mode string, providers []ProviderConfig) *Chain {
	return &Chain{
		mode:      mode,
		providers: providers,
		client:    &http.Client{Timeout: probeTimeout},
	}
}

// DefaultProviders returns the conventional local-first chain.
func DefaultProviders() []ProviderConfig {
	return []ProviderConfig{
		{Name: ProviderGPT4All, BaseURL: "http://localhost:4891", HealthPath: "/v1/models"},
		{Name: ProviderOllama, BaseURL: "http://localhost:11434", HealthPath: "/api/tags"},
		{Name: ProviderOpenAI, BaseURL: "https://api.openai.com", HealthPath: "/v1/models"},
	}
}

// Status probes every provider and assembles the /api/models payload. OK is
// true when at least one provider answered; the builtin echo adapter keeps
// the runtime usable either way.
func (c *Chain) Status(ctx context.Context) ChainStatus {
	st := ChainStatus{
		Mode:      c.mode,
		Chain:     make([]string, 0, len(c.providers)),
		Providers: make(map[string]ProviderStatus, len(c.providers)),
	}
	for _, p := range c.providers {
		st.Chain = append(st.Chain, p.Name)
		ps := c.probe(ctx, p)
		st.Providers[p.Name] = ps
		if ps.Available {
			st.OK = true
		}
	}
	return st
}

func (c *Chain) probe(ctx context.Context, p ProviderConfig) ProviderStatus {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+p.HealthPath, nil)
	if err != nil {
		return ProviderStatus{Error: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return ProviderStatus{Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return ProviderStatus{Error: fmt.Sprintf("probe returned %d", resp.StatusCode)}
	}
	// 401/404 still proves the endpoint is up (openai without a key).
	return ProviderStatus{Available: true}
}
