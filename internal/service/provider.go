package service

import (
	"context"

	"github.com/docagent-io/docagent/internal/domain"
)

// ChatMessage is one turn of conversation history sent to the model.
type ChatMessage struct {
	Role    domain.MessageRole
	Content string
}

/// ChatRequest carries everything a streaming generation needs: the system
// prompt with the assembled retrieval context, prior conversation turns, and
// the new question.
type ChatRequest struct {
	System   string
	History  []ChatMessage
	Question string
}

// TokenStream yields generation tokens in arrival order. Recv returns io.EOF
// once the provider signals a clean end of stream; any other error means the
// stream failed mid-generation.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// ModelProvider is the capability interface over the configured model
// backend. One implementation exists per provider, selected at startup.
type ModelProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	StreamChat(ctx context.Context, req ChatRequest) (TokenStream, error)
	ExtractDocument(ctx context.Context, imageB64 string) (string, error)
}
