package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/service"
)

const (
	// DefaultEmbeddingModel matches the local model used for document chunks
	DefaultEmbeddingModel = "bge-m3"
	// DefaultChatModel is the local model used for streaming answers and
	// document extraction
	DefaultChatModel = "gemma3:12b"
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

// Config holds the Ollama provider configuration.
type Config struct {
	BaseURL        string // e.g. http://localhost:11434
	EmbeddingModel string
	ChatModel      string
	Token          string // Bearer token for Ollama Cloud (empty = no auth)
}

// Client implements the model provider against a local or remote Ollama
// instance over its REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates an Ollama provider.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, domain.NewDomainError(domain.ErrCodeValidation, "ollama base url is required")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
	}, nil
}

type chatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Embed generates a vector embedding for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			"ollama embed returned no vectors", domain.ErrProviderRejected)
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for all texts in one call, preserving
// input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts)
}

func (c *Client) embed(ctx context.Context, input any) ([][]float32, error) {
	payload := map[string]any{
		"model": c.cfg.EmbeddingModel,
		"input": input,
	}

	body, err := c.post(ctx, "/api/embed", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			"ollama embed response is not valid JSON", domain.ErrProviderRejected)
	}
	return resp.Embeddings, nil
}

// StreamChat starts a streaming completion against /api/chat. Tokens arrive
// as line-delimited JSON objects; the done flag marks a clean end of stream.
func (c *Client) StreamChat(ctx context.Context, req service.ChatRequest) (service.TokenStream, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.History {
		messages = append(messages, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Question})

	payload := map[string]any{
		"model":    c.cfg.ChatModel,
		"messages": messages,
		"stream":   true,
	}

	resp, err := c.do(ctx, "/api/chat", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, string(body))
	}

	return &tokenStream{body: resp.Body, decoder: json.NewDecoder(resp.Body)}, nil
}

// ExtractDocument runs the vision-capable chat model over a base64-encoded
// document image and returns the extracted text.
func (c *Client) ExtractDocument(ctx context.Context, imageB64 string) (string, error) {
	payload := map[string]any{
		"model": c.cfg.ChatModel,
		"messages": []chatMessage{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: "Extract all information from this image.", Images: []string{imageB64}},
		},
		"stream": false,
	}

	body, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return "", err
	}

	var resp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			"ollama chat response is not valid JSON", domain.ErrProviderRejected)
	}
	return resp.Message.Content, nil
}

type streamChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

type tokenStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	done    bool
}

// Recv returns the next non-empty token. io.EOF signals a clean end of
// stream; a connection drop before the done flag is a stream failure.
func (s *tokenStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		var chunk streamChunk
		if err := s.decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				// the server hung up without sending done
				return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
					"ollama stream ended before completion", domain.ErrProviderUnavailable)
			}
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
				fmt.Sprintf("ollama stream read failed: %v", err), domain.ErrProviderUnavailable)
		}
		if chunk.Error != "" {
			return "", domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
				fmt.Sprintf("ollama stream error: %s", chunk.Error), domain.ErrProviderRejected)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			return "", io.EOF
		}
		if chunk.Message.Content != "" {
			return chunk.Message.Content, nil
		}
	}
}

func (s *tokenStream) Close() error {
	return s.body.Close()
}

func (c *Client) do(ctx context.Context, path string, payload any) (*http.Response, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
			"ollama endpoint unreachable", domain.ErrProviderUnavailable)
	}
	return resp, nil
}

// post sends a request and returns the body of a 200 response.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus(resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

func classifyStatus(status int, body string) error {
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
		return domain.NewDomainErrorWithCause(domain.ErrCodeRejected,
			fmt.Sprintf("ollama rejected the request (%d): %s", status, body),
			domain.ErrProviderRejected)
	}
	return domain.NewDomainErrorWithCause(domain.ErrCodeUnavailable,
		fmt.Sprintf("ollama unavailable (%d): %s", status, body),
		domain.ErrProviderUnavailable)
}
