package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ariafirmware/aria/internal/httpclient"
)

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat-completions endpoint. All requests go through the shared retrying
// HTTP client so rate limits surface as delayed retries rather than
// failed steps.
type OpenAIProvider struct {
	client      *httpclient.Client
	apiKey      string
	model       string
	host        string
	maxTokens   int
	temperature float64
}

// OpenAIConfig carries the per-provider knobs an agent config resolves to.
type OpenAIConfig struct {
	APIKey      string
	Model       string
	Host        string // "" uses the public endpoint
	MaxTokens   int
	Temperature float64
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	host := cfg.Host
	if host == "" {
		host = defaultOpenAIHost
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &OpenAIProvider{
		client: httpclient.New(
			httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders),
		),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		host:        strings.TrimSuffix(host, "/"),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Tools       []openAITool        `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
	Stream      bool                `json:"stream,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition, stream bool) openAIChatRequest {
	req := openAIChatRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
	}
	for _, m := range messages {
		role := m.Role
		// Tool-result turns ride as user content: the chaining loop keeps
		// its own transcript rather than the API's tool-call protocol.
		if role == "tool" {
			role = "user"
		}
		req.Messages = append(req.Messages, openAIChatMessage{Role: role, Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return req
}

func (p *OpenAIProvider) post(ctx context.Context, body openAIChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshalling chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", p.host, err)
	}
	return resp, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, tools, false))
	if err != nil {
		return "", nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, 0, fmt.Errorf("reading chat response: %w", err)
	}
	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, 0, fmt.Errorf("decoding chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", nil, 0, fmt.Errorf("chat completion failed: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if len(parsed.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("chat completion returned no choices")
	}

	choice := parsed.Choices[0]
	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return "", nil, 0, fmt.Errorf("decoding tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return choice.Message.Content, calls, parsed.Usage.TotalTokens, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	resp, err := p.post(ctx, p.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}
			var parsed openAIChatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue // partial frame; the scanner will deliver the rest
			}
			if parsed.Usage.TotalTokens > 0 {
				tokens = parsed.Usage.TotalTokens
			}
			for _, choice := range parsed.Choices {
				if choice.Delta.Content != "" {
					select {
					case ch <- StreamChunk{Type: "text", Text: choice.Delta.Content}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Type: "error", Err: err}
			return
		}
		ch <- StreamChunk{Type: "done", Tokens: tokens}
	}()
	return ch, nil
}

func (p *OpenAIProvider) ModelName() string    { return p.model }
func (p *OpenAIProvider) MaxTokens() int       { return p.maxTokens }
func (p *OpenAIProvider) Temperature() float64 { return p.temperature }
