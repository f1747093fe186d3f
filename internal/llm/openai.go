package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// OpenAIClient talks to OpenAI and OpenAI-compatible endpoints such as OpenRouter.
type OpenAIClient struct {
	id     string
	client *openai.Client
	logger *observability.Logger
}

// NewOpenAIClient creates a chat completions client; BaseURL selects a compatible endpoint.
func NewOpenAIClient(id string, cfg config.ProviderConfig, logger *observability.Logger) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &OpenAIClient{
		id:     id,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger.WithComponent("llm").With().Str("provider", id).Logger(),
	}
}

func (c *OpenAIClient) Provider() string { return c.id }

// Complete sends a chat completion, streaming when req.Options.OnUpdate is set.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(degradeToolParts(req.Messages)),
		Temperature: float32(req.Options.Temperature),
		MaxTokens:   req.Options.MaxTokens,
	}
	if req.Options.ResponseFormat == FormatJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if req.Options.OnUpdate != nil {
		return c.stream(ctx, chatReq, req.Options.OnUpdate)
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, providerError(c.id, 0, "response has no choices", nil)
	}

	return &Response{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Model:        resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *OpenAIClient) stream(ctx context.Context, chatReq openai.ChatCompletionRequest, onUpdate func(string)) (*Response, error) {
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, c.wrapError(err)
	}
	defer stream.Close()

	var (
		content strings.Builder
		out     = &Response{Model: chatReq.Model}
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, c.wrapError(err)
		}

		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Usage != nil {
			out.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				onUpdate(choice.Delta.Content)
			}
			if choice.FinishReason != "" {
				out.FinishReason = string(choice.FinishReason)
			}
		}
	}

	out.Content = content.String()
	c.logger.Debug().Int("chars", len(out.Content)).Int("output_tokens", out.Usage.OutputTokens).Msg("Stream finished")
	return out, nil
}

func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providerError(c.id, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerError(c.id, reqErr.HTTPStatusCode, "", err)
	}
	return providerError(c.id, 0, "", err)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := openai.ChatCompletionMessage{Role: openAIRole(m.Role)}
		if text, ok := textOnly(m.Parts); ok {
			msg.Content = text
			out = append(out, msg)
			continue
		}

		for _, p := range m.Parts {
			switch p.Kind {
			case PartImage:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: dataURL(p), Detail: openai.ImageURLDetailAuto},
				})
			default:
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func openAIRole(r Role) string {
	switch r {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
