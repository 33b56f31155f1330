package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// ItemKind distinguishes input items.
type ItemKind int

const (
	// ItemUserMessage is text typed by the user.
	ItemUserMessage ItemKind = iota

	// ItemToolOutput answers a tool call from the previous response.
	ItemToolOutput
)

// InputItem is one entry of a request's input.
type InputItem struct {
	Kind ItemKind

	// Text is set for ItemUserMessage.
	Text string

	// CallID and Output are set for ItemToolOutput.
	CallID string
	Output string
}

// UserMessage builds a user message item.
func UserMessage(text string) InputItem {
	return InputItem{Kind: ItemUserMessage, Text: text}
}

// ToolOutput builds a tool output item.
func ToolOutput(callID, output string) InputItem {
	return InputItem{Kind: ItemToolOutput, CallID: callID, Output: output}
}

// ToolDeclaration advertises a callable tool to the model.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one provider call. PreviousResponseID and ConversationID
// are opaque continuation tokens from earlier responses, passed back
// verbatim.
type Request struct {
	Model              string
	Instructions       string
	Input              []InputItem
	PreviousResponseID string
	ConversationID     string
	Tools              []ToolDeclaration
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Response is the provider-neutral result of one call.
type Response struct {
	ID             string
	ConversationID string
	Model          string
	Text           string
	ToolCalls      []ToolCall

	InputTokens  int
	OutputTokens int
}
