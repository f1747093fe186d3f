package llm

import (
	"context"
	"fmt"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// LangChainClient adapts a langchaingo model to Client.
type LangChainClient struct {
	id     string
	model  llms.Model
	logger *observability.Logger

	// foldSystem merges system text into the first user turn.
	foldSystem bool
	// nativeJSON is false when the provider has no structured output mode.
	nativeJSON bool
}

func newLangChainClient(id string, model llms.Model, foldSystem, nativeJSON bool, logger *observability.Logger) *LangChainClient {
	if logger == nil {
		logger = observability.Nop()
	}
	return &LangChainClient{
		id:         id,
		model:      model,
		foldSystem: foldSystem,
		nativeJSON: nativeJSON,
		logger:     logger.WithComponent("llm").With().Str("provider", id).Logger(),
	}
}

// NewAnthropicClient uses the Messages API; the SDK lifts system turns into the top-level field.
func NewAnthropicClient(id string, cfg config.ProviderConfig, logger *observability.Logger) (*LangChainClient, error) {
	opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
	if cfg.DefaultModel != "" {
		opts = append(opts, anthropic.WithModel(cfg.DefaultModel))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	model, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return newLangChainClient(id, model, false, false, logger), nil
}

// NewGeminiClient uses generateContent; system turns become the system instruction.
func NewGeminiClient(ctx context.Context, id string, cfg config.ProviderConfig, logger *observability.Logger) (*LangChainClient, error) {
	opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
	if cfg.DefaultModel != "" {
		opts = append(opts, googleai.WithDefaultModel(cfg.DefaultModel))
	}
	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini model: %w", err)
	}
	return newLangChainClient(id, model, false, true, logger), nil
}

// NewOllamaClient talks to a local Ollama server. Vision models ignore system turns, so they are folded.
func NewOllamaClient(id string, cfg config.ProviderConfig, logger *observability.Logger) (*LangChainClient, error) {
	var opts []ollama.Option
	if cfg.DefaultModel != "" {
		opts = append(opts, ollama.WithModel(cfg.DefaultModel))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	model, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return newLangChainClient(id, model, true, true, logger), nil
}

// NewBedrockClient uses the Bedrock runtime with the default AWS credential chain.
func NewBedrockClient(ctx context.Context, id string, cfg config.ProviderConfig, logger *observability.Logger) (*LangChainClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	opts := []bedrock.Option{bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg))}
	if cfg.DefaultModel != "" {
		opts = append(opts, bedrock.WithModel(cfg.DefaultModel))
	}
	model, err := bedrock.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create bedrock model: %w", err)
	}
	return newLangChainClient(id, model, true, false, logger), nil
}

func (c *LangChainClient) Provider() string { return c.id }

// Complete normalizes the request for the provider and returns the first choice.
func (c *LangChainClient) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := degradeToolParts(req.Messages)
	if c.foldSystem {
		msgs = foldSystem(msgs)
	}
	if req.Options.ResponseFormat == FormatJSON && !c.nativeJSON {
		msgs = appendJSONInstruction(msgs)
	}

	var callOpts []llms.CallOption
	if req.Model != "" {
		callOpts = append(callOpts, llms.WithModel(req.Model))
	}
	if req.Options.Temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(req.Options.Temperature))
	}
	if req.Options.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(req.Options.MaxTokens))
	}
	if req.Options.ResponseFormat == FormatJSON && c.nativeJSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}
	if onUpdate := req.Options.OnUpdate; onUpdate != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			onUpdate(string(chunk))
			return nil
		}))
	}

	resp, err := c.model.GenerateContent(ctx, toLangChainMessages(msgs), callOpts...)
	if err != nil {
		return nil, providerError(c.id, 0, "", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, providerError(c.id, 0, "response has no choices", nil)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Content,
		FinishReason: choice.StopReason,
		Model:        req.Model,
		Usage: Usage{
			InputTokens:  intInfo(choice.GenerationInfo, "PromptTokens", "InputTokens", "input_tokens", "prompt_tokens"),
			OutputTokens: intInfo(choice.GenerationInfo, "CompletionTokens", "OutputTokens", "output_tokens", "completion_tokens"),
		},
	}
	c.logger.Debug().Int("chars", len(out.Content)).Int("output_tokens", out.Usage.OutputTokens).Msg("Completion finished")
	return out, nil
}

func toLangChainMessages(msgs []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(msgs))
	for _, m := range msgs {
		mc := llms.MessageContent{Role: langChainRole(m.Role)}
		for _, p := range m.Parts {
			switch {
			case p.Kind == PartImage && p.URL != "" && len(p.Data) == 0:
				mc.Parts = append(mc.Parts, llms.ImageURLContent{URL: p.URL})
			case p.Kind == PartImage:
				mc.Parts = append(mc.Parts, llms.BinaryContent{MIMEType: imageMIME(p), Data: p.Data})
			default:
				mc.Parts = append(mc.Parts, llms.TextContent{Text: p.Text})
			}
		}
		out = append(out, mc)
	}
	return out
}

func langChainRole(r Role) llms.ChatMessageType {
	switch r {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

// intInfo reads the first numeric value present under any of keys; providers disagree on naming.
func intInfo(info map[string]any, keys ...string) int {
	for _, k := range keys {
		v, ok := info[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case int:
			return n
		case int32:
			return int(n)
		case int64:
			return int(n)
		case float32:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return 0
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
