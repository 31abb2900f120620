package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/ashureev/graphchat/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible gateway. When AzureEndpoint
// is set the client speaks the Azure OpenAI dialect and Model names the
// deployment.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string

	AzureEndpoint   string
	AzureAPIVersion string

	HTTPClient *http.Client
}

// OpenAIGateway implements Gateway on top of the chat completions API.
type OpenAIGateway struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

// NewOpenAI creates a gateway for OpenAI or Azure OpenAI.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("model API key is not configured")
	}
	if cfg.Model == "" {
		return nil, errors.New("model name is not configured")
	}

	var clientConfig openai.ClientConfig
	if cfg.AzureEndpoint != "" {
		clientConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.AzureEndpoint)
		if cfg.AzureAPIVersion != "" {
			clientConfig.APIVersion = cfg.AzureAPIVersion
		}
		deployment := cfg.Model
		clientConfig.AzureModelMapperFunc = func(string) string { return deployment }
	} else {
		clientConfig = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientConfig.BaseURL = cfg.BaseURL
		}
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIGateway{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Complete sends the history to the model. With req.OnDelta set the
// response is streamed.
func (g *OpenAIGateway) Complete(ctx context.Context, req Request) (Reply, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: g.toOpenAIMessages(req.Messages),
		Tools:    toOpenAITools(req.Tools),
	}

	slog.Debug("Requesting chat completion",
		"model", g.model,
		"messages", len(chatReq.Messages),
		"tools", len(chatReq.Tools),
		"stream", req.OnDelta != nil)

	if req.OnDelta != nil {
		return g.stream(ctx, chatReq, req.OnDelta)
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	msg := resp.Choices[0].Message
	calls, err := fromOpenAIToolCalls(msg.ToolCalls)
	if err != nil {
		return nil, err
	}
	return Classify(msg.Content, calls)
}

type toolCallFragment struct {
	id   string
	name string
	args strings.Builder
}

func (g *OpenAIGateway) stream(ctx context.Context, chatReq openai.ChatCompletionRequest, onDelta func(string)) (Reply, error) {
	chatReq.Stream = true
	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var content strings.Builder
	fragments := map[int]*toolCallFragment{}
	sawChoice := false

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat completion stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sawChoice = true
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			onDelta(delta.Content)
		}
		for pos, tc := range delta.ToolCalls {
			idx := pos
			if tc.Index != nil {
				idx = *tc.Index
			}
			frag, ok := fragments[idx]
			if !ok {
				frag = &toolCallFragment{}
				fragments[idx] = frag
			}
			if tc.ID != "" {
				frag.id = tc.ID
			}
			if tc.Function.Name != "" {
				frag.name = tc.Function.Name
			}
			frag.args.WriteString(tc.Function.Arguments)
		}
	}

	if !sawChoice {
		return nil, ErrEmptyResponse
	}

	indexes := make([]int, 0, len(fragments))
	for idx := range fragments {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	raw := make([]openai.ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		frag := fragments[idx]
		raw = append(raw, openai.ToolCall{
			ID:       frag.id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: frag.name, Arguments: frag.args.String()},
		})
	}
	calls, err := fromOpenAIToolCalls(raw)
	if err != nil {
		return nil, err
	}
	return Classify(content.String(), calls)
}

func (g *OpenAIGateway) toOpenAIMessages(history []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if g.systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.systemPrompt,
		})
	}

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleHuman:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case domain.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil || call.Arguments == nil {
					args = []byte("{}")
				}
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: string(args)},
				})
			}
			out = append(out, m)
		case domain.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func toOpenAITools(decls []domain.ToolDeclaration) []openai.Tool {
	if len(decls) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(decls))
	for _, d := range decls {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) ([]domain.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]domain.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.ID == "" || call.Function.Name == "" {
			return nil, fmt.Errorf("%w: missing id or name", ErrMalformedToolCall)
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: %s arguments: %v", ErrMalformedToolCall, call.Function.Name, err)
			}
			if args == nil {
				args = map[string]any{}
			}
		}
		out = append(out, domain.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}
