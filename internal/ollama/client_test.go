package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	client, err := NewClient(Config{BaseURL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.Equal(t, DefaultEmbeddingModel, client.cfg.EmbeddingModel)
	assert.Equal(t, DefaultChatModel, client.cfg.ChatModel)
}

func TestClient_Embed(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)

		var payload struct {
			Model string `json:"model"`
			Input any    `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, DefaultEmbeddingModel, payload.Model)
		assert.Equal(t, "hello world", payload.Input)

		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2, 0.3}},
		})
	})

	vec, err := client.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClient_EmbedBatch(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 0}, {0, 1}},
		})
	})

	vectors, err := client.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
}

func TestClient_Embed_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"model not found is rejected", http.StatusNotFound, domain.ErrProviderRejected},
		{"overload is retryable", http.StatusTooManyRequests, domain.ErrProviderUnavailable},
		{"server error is retryable", http.StatusInternalServerError, domain.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := client.Embed(context.Background(), "text")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_Embed_Unreachable(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "text")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func writeStreamChunks(w http.ResponseWriter, chunks ...streamChunk) {
	enc := json.NewEncoder(w)
	for _, chunk := range chunks {
		enc.Encode(chunk)
	}
}

func contentChunk(content string) streamChunk {
	var c streamChunk
	c.Message.Content = content
	return c
}

func doneChunk() streamChunk {
	return streamChunk{Done: true}
}

func drainStream(t *testing.T, stream service.TokenStream) ([]string, error) {
	t.Helper()
	defer stream.Close()

	var tokens []string
	for {
		token, err := stream.Recv()
		if err == io.EOF {
			return tokens, nil
		}
		if err != nil {
			return tokens, err
		}
		tokens = append(tokens, token)
	}
}

func TestClient_StreamChat(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)

		var payload struct {
			Model    string        `json:"model"`
			Messages []chatMessage `json:"messages"`
			Stream   bool          `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)
		require.Len(t, payload.Messages, 4)
		assert.Equal(t, "system", payload.Messages[0].Role)
		assert.Equal(t, "user", payload.Messages[3].Role)
		assert.Equal(t, "new question", payload.Messages[3].Content)

		writeStreamChunks(w, contentChunk("The "), contentChunk("answer."), doneChunk())
	})

	stream, err := client.StreamChat(context.Background(), service.ChatRequest{
		System: "system prompt",
		History: []service.ChatMessage{
			{Role: domain.RoleUser, Content: "earlier question"},
			{Role: domain.RoleAssistant, Content: "earlier answer"},
		},
		Question: "new question",
	})
	require.NoError(t, err)

	tokens, err := drainStream(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "answer."}, tokens)
}

func TestClient_StreamChat_DisconnectBeforeDone(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		// tokens but never a done marker
		writeStreamChunks(w, contentChunk("partial "))
	})

	stream, err := client.StreamChat(context.Background(), service.ChatRequest{Question: "q"})
	require.NoError(t, err)

	tokens, err := drainStream(t, stream)
	assert.Equal(t, []string{"partial "}, tokens)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}

func TestClient_StreamChat_ErrorChunk(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeStreamChunks(w, streamChunk{Error: "model exploded"})
	})

	stream, err := client.StreamChat(context.Background(), service.ChatRequest{Question: "q"})
	require.NoError(t, err)

	_, err = drainStream(t, stream)
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestClient_StreamChat_FinalTokenOnDone(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		final := doneChunk()
		final.Message.Content = "tail"
		writeStreamChunks(w, contentChunk("head "), final)
	})

	stream, err := client.StreamChat(context.Background(), service.ChatRequest{Question: "q"})
	require.NoError(t, err)

	tokens, err := drainStream(t, stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"head ", "tail"}, tokens)
}

func TestClient_ExtractDocument(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Messages []chatMessage `json:"messages"`
			Stream   bool          `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.False(t, payload.Stream)
		require.Len(t, payload.Messages, 2)
		assert.Equal(t, []string{"aW1hZ2U="}, payload.Messages[1].Images)

		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"content": "Extracted: a bar chart."},
		})
	})

	text, err := client.ExtractDocument(context.Background(), "aW1hZ2U=")
	require.NoError(t, err)
	assert.Equal(t, "Extracted: a bar chart.", text)
}

func TestClient_SendsBearerToken(t *testing.T) {
	var seenAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{1}}})
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "secret"})
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", seenAuth)
}
