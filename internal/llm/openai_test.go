package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowhub/research-orchestrator/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.ModelConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestChatTextResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "test-model", req.Model)
		require.False(t, req.Stream)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hello"}},
			},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 3},
		})
	})

	resp, err := client.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.False(t, resp.HasToolCalls())
	require.EqualValues(t, 12, resp.Usage.InputTokens)
	require.EqualValues(t, 3, resp.Usage.OutputTokens)
}

func TestChatToolCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		require.Equal(t, "required", req.ToolChoice)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{
						{"id": "call_1", "type": "function", "function": map[string]any{
							"name":      "tavily_search",
							"arguments": `{"query":"golang"}`,
						}},
					},
				}},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 7},
		})
	})

	resp, err := client.Chat(context.Background(), Request{
		Messages:   []Message{{Role: RoleUser, Content: "search"}},
		Tools:      []ToolSpec{{Name: "tavily_search", Parameters: json.RawMessage(`{"type":"object"}`)}},
		ToolChoice: ToolChoiceRequired,
	})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	require.Equal(t, "tavily_search", resp.ToolCalls[0].Name)

	var args map[string]string
	require.NoError(t, json.Unmarshal(resp.ToolCalls[0].Arguments, &args))
	require.Equal(t, "golang", args["query"])
}

func TestChatUpstreamErrorPropagates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := client.Chat(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestChatStreamAggregatesDeltas(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"res", "earch ", "report"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":9}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	resp, err := client.ChatStream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	require.Equal(t, "research report", resp.Text)
	require.Equal(t, []string{"res", "earch ", "report"}, deltas)
	require.EqualValues(t, 4, resp.Usage.InputTokens)
	require.EqualValues(t, 9, resp.Usage.OutputTokens)
}
