package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/service"
	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultEmbeddingModel is the OpenAI model used for generating embeddings
	DefaultEmbeddingModel = openai.LargeEmbedding3
	// DefaultChatModel is the model used for streaming answers
	DefaultChatModel = openai.GPT4o
	// DefaultVisionModel is the model used for document image extraction
	DefaultVisionModel = openai.GPT4o
	// DefaultEmbeddingDimensions is the reduced embedding width requested
	// from text-embedding-3-large
	DefaultEmbeddingDimensions = 1024
)

// extractionPrompt instructs the vision model to pull every piece of
// information out of an uploaded document image.
const extractionPrompt = `You are a document information extraction expert. Your task is to extract ALL information from the provided image.

Extract and describe:
1. All visible text (headings, labels, values, legends, annotations)
2. All data points and their values
3. Chart/graph types and what they represent
4. Relationships between data elements
5. Any trends, patterns, or insights visible
6. Color coding, symbols, and their meanings
7. Axes, scales, units of measurement
8. Any formulas, equations, or calculations shown
9. Contextual information (titles, dates, sources)

Be exhaustive and detailed. Structure your extraction in clear sections.`

// chatAPI is the slice of the OpenAI SDK this package uses, declared locally
// so tests can substitute it.
type chatAPI interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// Config holds the OpenAI provider configuration.
type Config struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
	VisionModel    string
	Dimensions     int
}

// Client implements the model provider against the OpenAI API.
type Client struct {
	api        chatAPI
	embedModel openai.EmbeddingModel
	chatModel  string
	visModel   string
	dimensions int
}

// NewClient creates an OpenAI provider. An empty API key fails at startup
// rather than on the first request.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "openai api key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	c := &Client{
		api:        openai.NewClientWithConfig(clientCfg),
		embedModel: openai.EmbeddingModel(cfg.EmbeddingModel),
		chatModel:  cfg.ChatModel,
		visModel:   cfg.VisionModel,
		dimensions: cfg.Dimensions,
	}
	if c.embedModel == "" {
		c.embedModel = DefaultEmbeddingModel
	}
	if c.chatModel == "" {
		c.chatModel = DefaultChatModel
	}
	if c.visModel == "" {
		c.visModel = DefaultVisionModel
	}
	if c.dimensions <= 0 {
		c.dimensions = DefaultEmbeddingDimensions
	}
	return c, nil
}

// Embed generates one embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for all texts in one request, preserving
// input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      c.embedModel,
		Dimensions: c.dimensions,
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			fmt.Sprintf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts)),
			domain.ErrProviderRejected)
	}

	vectors := make([][]float32, len(resp.Data))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
				fmt.Sprintf("embedding response index %d out of range", item.Index),
				domain.ErrProviderRejected)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// StreamChat starts a streaming completion for the request.
func (c *Client) StreamChat(ctx context.Context, req service.ChatRequest) (service.TokenStream, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Question,
	})

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    c.chatModel,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, classifyErr(err)
	}
	return &tokenStream{stream: stream}, nil
}

// ExtractDocument runs the vision model over a base64-encoded document image
// and returns the extracted text.
func (c *Client) ExtractDocument(ctx context.Context, imageB64 string) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.visModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: extractionPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: "Extract all information from this image.",
					},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: "data:image/png;base64," + imageB64,
						},
					},
				},
			},
		},
	})
	if err != nil {
		return "", classifyErr(err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			"extraction response has no choices", domain.ErrProviderRejected)
	}
	return resp.Choices[0].Message.Content, nil
}

// recvStream matches *openai.ChatCompletionStream so tests can fake the
// underlying stream.
type recvStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

type tokenStream struct {
	stream recvStream
}

// Recv returns the next non-empty token. io.EOF passes through to signal a
// clean end of stream.
func (s *tokenStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", classifyErr(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if token := resp.Choices[0].Delta.Content; token != "" {
			return token, nil
		}
	}
}

func (s *tokenStream) Close() error {
	return s.stream.Close()
}

// classifyErr maps SDK errors onto the provider error taxonomy: a 4xx means
// the request itself was rejected and must not be retried, everything else is
// a transient availability problem.
func classifyErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
				fmt.Sprintf("openai rejected the request: %s", apiErr.Message),
				domain.ErrProviderRejected)
		}
		return domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
			fmt.Sprintf("openai unavailable (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message),
			domain.ErrProviderUnavailable)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
			fmt.Sprintf("openai request failed with status %d", reqErr.HTTPStatusCode),
			domain.ErrProviderUnavailable)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) || strings.Contains(err.Error(), "connection refused") {
		return domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
			"openai endpoint unreachable", domain.ErrProviderUnavailable)
	}

	return domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable, err.Error(),
		domain.ErrProviderUnavailable)
}
