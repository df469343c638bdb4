package llm

import (
	"context"
	"fmt"
	"sort"
)

// MultiClient routes requests to a provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client            // used for models with no explicit route
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) clientFor(model string) Client {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Chat sends a request to the provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request to the provider for the model.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client := m.clientFor(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.ChatStream(ctx, model, messages, tools, callback)
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil && len(m.clients) == 0 {
		return fmt.Errorf("no provider configured")
	}
	for _, name := range m.Providers() {
		if err := m.clients[name].Ping(ctx); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
	}
	if m.fallback != nil {
		return m.fallback.Ping(ctx)
	}
	return nil
}
