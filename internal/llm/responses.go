package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fernfax/foracle-v2-self-sub004/internal/buildinfo"
	"github.com/fernfax/foracle-v2-self-sub004/internal/httpkit"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const maxErrorBody = 4096

// ResponsesClient speaks the OpenAI Responses API or a compatible
// endpoint. Continuation is server-side: when a conversation id is
// known it is sent as "conversation", otherwise the previous response
// id is sent as "previous_response_id".
type ResponsesClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResponsesClient creates a client for baseURL (DefaultBaseURL when
// empty).
func NewResponsesClient(baseURL, apiKey string, logger *slog.Logger) *ResponsesClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// Tool-heavy turns can take a while before the first byte. The
	// caller's context carries the overall deadline.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &ResponsesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", "responses"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithBearerToken(apiKey),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		),
	}
}

// Wire types

type responsesRequest struct {
	Model              string           `json:"model"`
	Instructions       string           `json:"instructions,omitempty"`
	Input              []responsesInput `json:"input"`
	PreviousResponseID string           `json:"previous_response_id,omitempty"`
	Conversation       string           `json:"conversation,omitempty"`
	Tools              []responsesTool  `json:"tools,omitempty"`
	Store              bool             `json:"store"`
}

type responsesInput struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type responsesOutput struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
}

type responsesResponse struct {
	ID           string            `json:"id"`
	Model        string            `json:"model"`
	Status       string            `json:"status"`
	Conversation conversationRef   `json:"conversation"`
	Output       []responsesOutput `json:"output"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// conversationRef accepts either a bare id string or {"id": "..."}.
type conversationRef struct {
	ID string
}

func (c *conversationRef) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &c.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	c.ID = obj.ID
	return nil
}

func toWire(req Request) responsesRequest {
	out := responsesRequest{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        make([]responsesInput, 0, len(req.Input)),
		Store:        true,
	}
	if req.ConversationID != "" {
		out.Conversation = req.ConversationID
	} else {
		out.PreviousResponseID = req.PreviousResponseID
	}
	for _, it := range req.Input {
		switch it.Kind {
		case ItemToolOutput:
			out.Input = append(out.Input, responsesInput{Type: "function_call_output", CallID: it.CallID, Output: it.Output})
		default:
			out.Input = append(out.Input, responsesInput{Role: "user", Content: it.Text})
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

func fromWire(w responsesResponse) *Response {
	resp := &Response{
		ID:             w.ID,
		ConversationID: w.Conversation.ID,
		Model:          w.Model,
		InputTokens:    w.Usage.InputTokens,
		OutputTokens:   w.Usage.OutputTokens,
	}
	var text strings.Builder
	for _, o := range w.Output {
		switch o.Type {
		case "function_call":
			args := json.RawMessage(o.Arguments)
			if strings.TrimSpace(o.Arguments) == "" {
				args = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{CallID: o.CallID, Name: o.Name, Arguments: args})
		case "message":
			for _, c := range o.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		}
	}
	resp.Text = text.String()
	return resp
}

// Respond sends one request to /responses.
func (c *ResponsesClient) Respond(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, &ProviderError{Kind: KindMisconfigured, Message: "no API key configured"}
	}

	wire := toWire(req)
	c.logger.Debug("preparing request",
		"model", req.Model,
		"input_items", len(wire.Input),
		"tools", len(wire.Tools),
		"continuation", wire.PreviousResponseID != "" || wire.Conversation != "",
	)

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, maxErrorBody)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ProviderError{Kind: KindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: errBody}
	}

	var w responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		if ctx.Err() != nil {
			return nil, transportError(ctx.Err())
		}
		return nil, &ProviderError{Kind: KindUnavailable, Message: "decode response", Err: err}
	}
	if w.Error != nil && w.Error.Message != "" {
		return nil, &ProviderError{Kind: KindUnavailable, Message: w.Error.Code + ": " + w.Error.Message}
	}

	out := fromWire(w)
	c.logger.Debug("response received",
		"response_id", out.ID,
		"tool_calls", len(out.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start),
	)
	return out, nil
}

// Ping lists models to verify reachability and credentials.
func (c *ResponsesClient) Ping(ctx context.Context) error {
	if c.apiKey == "" {
		return &ProviderError{Kind: KindMisconfigured, Message: "no API key configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Kind: KindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}
