package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/domain"
	"github.com/spherical-ai/docpipe/internal/observability"
)

type fakeModel struct {
	messages []llms.MessageContent
	opts     llms.CallOptions
	resp     *llms.ContentResponse
	err      error
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	for _, o := range options {
		o(&f.opts)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.opts.StreamingFunc != nil {
		for _, chunk := range []string{"a", "b"} {
			if err := f.opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
	}
	return f.resp, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func okResponse(info map[string]any) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "ab", StopReason: "end_turn", GenerationInfo: info}}}
}

func TestFoldSystem(t *testing.T) {
	msgs := []Message{
		SystemMessage("rule one"),
		SystemMessage("rule two"),
		UserMessage(TextPart("hello"), ImagePart([]byte("x"), "image/png")),
	}
	out := foldSystem(msgs)
	require.Len(t, out, 1)
	assert.Equal(t, RoleUser, out[0].Role)
	require.Len(t, out[0].Parts, 3)
	assert.Equal(t, "rule one\n\nrule two", out[0].Parts[0].Text)
	assert.Equal(t, PartImage, out[0].Parts[2].Kind)

	// Original messages are untouched.
	assert.Len(t, msgs[2].Parts, 2)

	onlySystem := foldSystem([]Message{SystemMessage("rule")})
	require.Len(t, onlySystem, 1)
	assert.Equal(t, RoleUser, onlySystem[0].Role)
}

func TestAppendJSONInstruction(t *testing.T) {
	msgs := []Message{UserMessage(TextPart("q1")), {Role: RoleAssistant, Parts: []Part{TextPart("a1")}}, UserMessage(TextPart("q2"))}
	out := appendJSONInstruction(msgs)
	require.Len(t, out[2].Parts, 2)
	assert.Equal(t, jsonInstruction, out[2].Parts[1].Text)
	assert.Len(t, out[0].Parts, 1)
	assert.Len(t, msgs[2].Parts, 1)
}

func TestDegradeToolParts(t *testing.T) {
	msgs := []Message{{Role: RoleAssistant, Parts: []Part{
		{Kind: PartToolCall, ToolName: "lookup", ToolCallID: "c1", Arguments: `{"q":"x"}`},
		{Kind: PartToolResult, ToolCallID: "c1", Text: "42"},
	}}}
	out := degradeToolParts(msgs)
	require.Len(t, out[0].Parts, 2)
	assert.Equal(t, PartText, out[0].Parts[0].Kind)
	assert.JSONEq(t, `{"type":"tool_call","id":"c1","name":"lookup","arguments":"{\"q\":\"x\"}"}`, out[0].Parts[0].Text)
	assert.JSONEq(t, `{"type":"tool_result","id":"c1","content":"42"}`, out[0].Parts[1].Text)
}

func TestLangChainClientFoldsAndInstructs(t *testing.T) {
	model := &fakeModel{resp: okResponse(map[string]any{"input_tokens": 11, "output_tokens": float64(3)})}
	client := newLangChainClient("bedrock", model, true, false, nil)

	var deltas []string
	resp, err := client.Complete(context.Background(), Request{
		Model:    "claude",
		Messages: []Message{SystemMessage("be terse"), UserMessage(TextPart("page"), ImagePart([]byte("img"), "image/jpeg"))},
		Options:  Options{Temperature: 0.2, MaxTokens: 50, ResponseFormat: FormatJSON, OnUpdate: func(d string) { deltas = append(deltas, d) }},
	})
	require.NoError(t, err)

	assert.Equal(t, "ab", resp.Content)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 11, OutputTokens: 3}, resp.Usage)
	assert.Equal(t, []string{"a", "b"}, deltas)

	require.Len(t, model.messages, 1)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.messages[0].Role)
	parts := model.messages[0].Parts
	require.Len(t, parts, 4)
	assert.Equal(t, llms.TextContent{Text: "be terse"}, parts[0])
	assert.Equal(t, llms.BinaryContent{MIMEType: "image/jpeg", Data: []byte("img")}, parts[2])
	assert.Equal(t, llms.TextContent{Text: jsonInstruction}, parts[3])

	assert.Equal(t, "claude", model.opts.Model)
	assert.Equal(t, 50, model.opts.MaxTokens)
	assert.False(t, model.opts.JSONMode)
}

func TestLangChainClientNativeJSONKeepsSystem(t *testing.T) {
	model := &fakeModel{resp: okResponse(map[string]any{"PromptTokens": 4, "CompletionTokens": 2})}
	client := newLangChainClient("gemini", model, false, true, nil)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "gemini-2.5-flash",
		Messages: []Message{SystemMessage("sys"), UserMessage(TextPart("q"))},
		Options:  Options{ResponseFormat: FormatJSON},
	})
	require.NoError(t, err)
	assert.Equal(t, Usage{InputTokens: 4, OutputTokens: 2}, resp.Usage)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.messages[0].Role)
	assert.True(t, model.opts.JSONMode)
}

func TestLangChainClientWrapsErrors(t *testing.T) {
	client := newLangChainClient("ollama", &fakeModel{err: errors.New("connection refused")}, true, true, nil)
	_, err := client.Complete(context.Background(), Request{Model: "llava", Messages: []Message{UserMessage(TextPart("q"))}})

	var perr *domain.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ollama", perr.Provider)
	assert.Contains(t, perr.Error(), "connection refused")
	assert.False(t, Permanent(err))
}

type stubClient struct{ id string }

func (s stubClient) Complete(context.Context, Request) (*Response, error) { return &Response{}, nil }
func (s stubClient) Provider() string                                   { return s.id }

func TestRegistryCachesClients(t *testing.T) {
	providers := map[string]config.ProviderConfig{
		"openrouter": {Type: TypeOpenAI, DefaultModel: "google/gemini-2.5-flash"},
		"local":      {Type: TypeOllama},
	}
	builds := 0
	r := NewRegistry(providers, "openrouter", nil).WithFactory(
		func(_ context.Context, id string, _ config.ProviderConfig, _ *observability.Logger) (Client, error) {
			builds++
			return stubClient{id: id}, nil
		})

	c1, err := r.Client(context.Background(), "")
	require.NoError(t, err)
	c2, err := r.Client(context.Background(), "openrouter")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", c1.Provider())
	assert.Equal(t, c1, c2)
	assert.Equal(t, 1, builds)

	_, err = r.Client(context.Background(), "missing")
	assert.True(t, domain.IsType(err, domain.ErrorTypeValidation))

	id, model, err := r.Resolve("", "")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", id)
	assert.Equal(t, "google/gemini-2.5-flash", model)

	_, _, err = r.Resolve("local", "")
	assert.Error(t, err)

	assert.Equal(t, []string{"local", "openrouter"}, r.IDs())
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), "x", config.ProviderConfig{Type: "carrier-pigeon"}, nil)
	assert.True(t, domain.IsType(err, domain.ErrorTypeConfig))

	c, err := New(context.Background(), "oa", config.ProviderConfig{Type: "OpenAI", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "oa", c.Provider())
}
