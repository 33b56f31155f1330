// Package llm talks to the language model provider that drives the
// assistant's tool loop.
package llm

import "context"

// Client is the interface every provider implements.
type Client interface {
	// Respond sends one step of a conversation and returns either final
	// text or the tool calls the model wants made.
	Respond(ctx context.Context, req Request) (*Response, error)

	// Ping checks that the provider is reachable and the credentials
	// are accepted.
	Ping(ctx context.Context) error
}
