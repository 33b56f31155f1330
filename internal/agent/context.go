package agent

import (
	"context"
	"strings"
)

// ContextProvider supplies extra instructions for a turn, such as
// retrieved knowledge passages. Failures are not fatal to the turn.
type ContextProvider interface {
	GetContext(ctx context.Context, userID, message string) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is joined with a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	c := &CompositeContextProvider{}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output, skipping
// any that fail.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userID, message string) (string, error) {
	var parts []string
	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userID, message)
		if err != nil {
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}
