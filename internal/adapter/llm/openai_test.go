package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

func newOpenAITestProvider(url string) *OpenAIProvider {
	return NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		BaseURL: url,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, slog.Default())
}

func TestOpenAIProviderChat(t *testing.T) {
	var got openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openaiResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{{
				Message: openaiMessage{Role: "assistant", Content: "Hello!"},
			}},
			Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13},
		})
	}))
	defer server.Close()

	resp, err := newOpenAITestProvider(server.URL).Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be nice"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		ResponseFormat: &domain.ResponseFormat{Name: "greeting", Schema: json.RawMessage(`{"type":"object"}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello!", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, 13, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model, "provider default model applies when request has none")
	require.Len(t, got.Messages, 2)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Equal(t, "greeting", got.ResponseFormat.JSONSchema.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(got.ResponseFormat.JSONSchema.Schema))
}

func TestOpenAIProviderToolCalls(t *testing.T) {
	var got openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(openaiResponse{
			Choices: []openaiChoice{{Message: openaiMessage{
				Role: "assistant",
				ToolCalls: []openaiToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: openaiToolCallFunction{Name: "calculator", Arguments: `{"expression":"2+2"}`},
				}},
			}}},
		})
	}))
	defer server.Close()

	resp, err := newOpenAITestProvider(server.URL).Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "2+2?"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call_0", Name: "current_time", Arguments: json.RawMessage(`{}`)}}},
			{Role: domain.RoleTool, Content: "noon", ToolCalls: []domain.ToolCall{{ID: "call_0"}}},
		},
		Tools: []domain.ToolSchema{{Name: "calculator", Description: "math", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "calculator", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"expression":"2+2"}`, string(resp.Message.ToolCalls[0].Arguments))

	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "current_time", got.Messages[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_0", got.Messages[2].ToolCallID)
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrRateLimit},
		{"bad key", http.StatusUnauthorized, `{"error":"bad key"}`, domain.ErrAuthInvalid},
		{"server", http.StatusBadGateway, `oops`, domain.ErrProviderServer},
		{"no choices", http.StatusOK, `{"choices":[]}`, domain.ErrProviderError},
		{"garbage", http.StatusOK, `not json`, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := newOpenAITestProvider(server.URL).Chat(context.Background(), domain.ChatRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIProviderCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newOpenAITestProvider(server.URL).Chat(ctx, domain.ChatRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, domain.ErrProviderServer))
}

func TestOpenAIProviderStream(t *testing.T) {
	var got openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"calculator","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expression\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"1+1\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ch, err := newOpenAITestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	deltas := collect(ch)

	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)

	var content string
	var calls []domain.ToolCall
	var usage *domain.Usage
	for _, d := range deltas {
		content += d.Content
		calls = append(calls, d.ToolCalls...)
		if d.Usage != nil {
			usage = d.Usage
		}
	}
	assert.Equal(t, "Hello", content)
	require.Len(t, calls, 3)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Empty(t, calls[1].ID, "argument fragments carry no ID")
	assert.Equal(t, `{"expression":"1+1"}`, string(calls[1].Arguments)+string(calls[2].Arguments))
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
	assert.True(t, deltas[len(deltas)-1].Done)
}

func TestOpenAIProviderStreamHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newOpenAITestProvider(server.URL).ChatStream(context.Background(), domain.ChatRequest{})
	assert.ErrorIs(t, err, domain.ErrProviderServer)
}
