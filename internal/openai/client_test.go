package openai

import (
	"context"
	"io"
	"testing"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/service"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	embedResp  openai.EmbeddingResponse
	embedErr   error
	embedSeen  openai.EmbeddingRequest
	chatResp   openai.ChatCompletionResponse
	chatErr    error
	chatSeen   openai.ChatCompletionRequest
	streamErr  error
	streamSeen openai.ChatCompletionRequest
}

func (f *fakeAPI) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.embedSeen = req.(openai.EmbeddingRequest)
	return f.embedResp, f.embedErr
}

func (f *fakeAPI) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.chatSeen = req
	return f.chatResp, f.chatErr
}

func (f *fakeAPI) CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	f.streamSeen = req
	return nil, f.streamErr
}

func newTestClient(api chatAPI) *Client {
	return &Client{
		api:        api,
		embedModel: DefaultEmbeddingModel,
		chatModel:  DefaultChatModel,
		visModel:   DefaultVisionModel,
		dimensions: 4,
	}
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	c, err := NewClient(Config{APIKey: "test-key"})
	require.NoError(t, err)
	assert.Equal(t, DefaultEmbeddingModel, c.embedModel)
	assert.Equal(t, DefaultEmbeddingDimensions, c.dimensions)
}

func TestClient_EmbedBatch_PreservesOrder(t *testing.T) {
	api := &fakeAPI{
		embedResp: openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Index: 1, Embedding: []float32{0, 1, 0, 0}},
				{Index: 0, Embedding: []float32{1, 0, 0, 0}},
			},
		},
	}
	client := newTestClient(api)

	vectors, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)

	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0, 0, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1, 0, 0}, vectors[1])
	assert.Equal(t, 4, api.embedSeen.Dimensions)
	assert.Equal(t, DefaultEmbeddingModel, api.embedSeen.Model)
}

func TestClient_EmbedBatch_ShortResponseIsRejected(t *testing.T) {
	api := &fakeAPI{
		embedResp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Index: 0, Embedding: []float32{1, 0, 0, 0}}},
		},
	}
	client := newTestClient(api)

	_, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

func TestClient_Embed_ClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request is rejected", 400, domain.ErrProviderRejected},
		{"rate limit is retryable", 429, domain.ErrProviderUnavailable},
		{"server error is retryable", 503, domain.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{embedErr: &openai.APIError{HTTPStatusCode: tt.status, Message: "nope"}}
			client := newTestClient(api)

			_, err := client.Embed(context.Background(), "text")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_StreamChat_BuildsMessageList(t *testing.T) {
	api := &fakeAPI{streamErr: &openai.APIError{HTTPStatusCode: 500}}
	client := newTestClient(api)

	_, err := client.StreamChat(context.Background(), service.ChatRequest{
		System: "system prompt",
		History: []service.ChatMessage{
			{Role: domain.RoleUser, Content: "earlier question"},
			{Role: domain.RoleAssistant, Content: "earlier answer"},
		},
		Question: "new question",
	})
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	require.Len(t, api.streamSeen.Messages, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, api.streamSeen.Messages[0].Role)
	assert.Equal(t, "system prompt", api.streamSeen.Messages[0].Content)
	assert.Equal(t, "earlier question", api.streamSeen.Messages[1].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, api.streamSeen.Messages[2].Role)
	assert.Equal(t, "new question", api.streamSeen.Messages[3].Content)
	assert.True(t, api.streamSeen.Stream)
}

func TestClient_ExtractDocument(t *testing.T) {
	api := &fakeAPI{
		chatResp: openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "Extracted: revenue chart."}},
			},
		},
	}
	client := newTestClient(api)

	text, err := client.ExtractDocument(context.Background(), "aW1hZ2U=")
	require.NoError(t, err)
	assert.Equal(t, "Extracted: revenue chart.", text)

	require.Len(t, api.chatSeen.Messages, 2)
	parts := api.chatSeen.Messages[1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, parts[1].Type)
	assert.Equal(t, "data:image/png;base64,aW1hZ2U=", parts[1].ImageURL.URL)
}

func TestClient_ExtractDocument_NoChoices(t *testing.T) {
	client := newTestClient(&fakeAPI{})

	_, err := client.ExtractDocument(context.Background(), "aW1hZ2U=")
	assert.ErrorIs(t, err, domain.ErrProviderRejected)
}

type fakeRecvStream struct {
	responses []openai.ChatCompletionStreamResponse
	errs      []error
	pos       int
	closed    bool
}

func (f *fakeRecvStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	if f.pos >= len(f.responses) {
		if f.pos < len(f.errs) && f.errs[f.pos] != nil {
			return openai.ChatCompletionStreamResponse{}, f.errs[f.pos]
		}
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	resp := f.responses[f.pos]
	var err error
	if f.pos < len(f.errs) {
		err = f.errs[f.pos]
	}
	f.pos++
	return resp, err
}

func (f *fakeRecvStream) Close() error {
	f.closed = true
	return nil
}

func deltaResponse(content string) openai.ChatCompletionStreamResponse {
	return openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: content}},
		},
	}
}

func TestTokenStream_SkipsEmptyDeltas(t *testing.T) {
	stream := &tokenStream{stream: &fakeRecvStream{
		responses: []openai.ChatCompletionStreamResponse{
			deltaResponse("Hello"),
			deltaResponse(""),
			{},
			deltaResponse(" world"),
		},
	}}

	var tokens []string
	for {
		token, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	assert.Equal(t, []string{"Hello", " world"}, tokens)
	require.NoError(t, stream.Close())
}

func TestTokenStream_ClassifiesMidStreamFailure(t *testing.T) {
	stream := &tokenStream{stream: &fakeRecvStream{
		errs: []error{&openai.APIError{HTTPStatusCode: 500, Message: "boom"}},
	}}

	_, err := stream.Recv()
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
