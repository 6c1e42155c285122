package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClient_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-test", body["model"])
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	c := &OpenAIClient{APIKey: "sk-test", Model: "gpt-test", BaseURL: srv.URL}
	out, err := c.GenerateText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestOpenAIClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"busy"}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"second try"}}]}`)
	}))
	defer srv.Close()

	c := &OpenAIClient{APIKey: "k", Model: "m", BaseURL: srv.URL}
	out, err := c.GenerateText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "second try", out)
	assert.EqualValues(t, 2, calls.Load())
}

func TestOpenAIClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad key"}`)
	}))
	defer srv.Close()

	c := &OpenAIClient{APIKey: "k", Model: "m", BaseURL: srv.URL}
	_, err := c.GenerateText(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.EqualValues(t, 1, calls.Load())
}

func TestOpenAIClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"[", "{}", "]"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := &OpenAIClient{APIKey: "k", Model: "m", BaseURL: srv.URL}
	var got []string
	err := c.GenerateTextStream(context.Background(), "hi", func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"[", "{}", "]"}, got)
}

func TestAnthropicClient_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	c := &AnthropicClient{APIKey: "key", Model: "m", BaseURL: srv.URL}
	var b strings.Builder
	err := c.GenerateTextStream(context.Background(), "hi", func(s string) error {
		b.WriteString(s)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", b.String())
}

func TestAnthropicClient_GenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`)
	}))
	defer srv.Close()

	c := &AnthropicClient{APIKey: "key", Model: "m", BaseURL: srv.URL}
	out, err := c.GenerateText(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestMockClient_ScriptAndStream(t *testing.T) {
	m := &MockClient{Responses: []string{"first", "second response"}, ChunkSize: 4}

	out, err := m.GenerateText(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	var chunks []string
	require.NoError(t, m.GenerateTextStream(context.Background(), "p2", func(s string) error {
		chunks = append(chunks, s)
		return nil
	}))
	assert.Equal(t, "second response", strings.Join(chunks, ""))
	assert.Len(t, chunks, 4)

	out, err = m.GenerateText(context.Background(), "p3")
	require.NoError(t, err)
	assert.Equal(t, "second response", out, "last response repeats")
	assert.Equal(t, 3, m.Calls())
}

func TestNew(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	c, err := New(context.Background(), Settings{})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = New(context.Background(), Settings{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())
	assert.Equal(t, "gpt-4o-mini", c.(*OpenAIClient).Model)

	_, err = New(context.Background(), Settings{Provider: "anthropic"})
	assert.Error(t, err)

	_, err = New(context.Background(), Settings{Provider: "nope", APIKey: "k"})
	assert.Error(t, err)
}

func TestNewFromEnv_AutoDetect(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "ak")

	c, err := NewFromEnv(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "anthropic", c.Name())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
}
