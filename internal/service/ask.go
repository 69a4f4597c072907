package service

import (
	"context"
	"fmt"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/telemetry"
)

// ChatReader loads chat metadata for the ask flow.
type ChatReader interface {
	GetChat(ctx context.Context, id string) (*domain.Chat, error)
	Messages(ctx context.Context, chatID string) ([]*domain.Message, error)
}

// ContextRetriever assembles the retrieval context for a question.
type ContextRetriever interface {
	Retrieve(ctx context.Context, scopeID, queryText string) (*RetrievedContext, error)
}

// Generator drives one streaming completion.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onToken func(string) error) (*GenerationResult, error)
}

// ExchangeRecorder persists completed exchanges.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, chatID, question string, result *GenerationResult) error
}

// AskService answers a question against a chat's document: it retrieves
// context, streams the generation to the caller, and records the exchange
// once the stream completes.
type AskService struct {
	chats     ChatReader
	retriever ContextRetriever
	generator Generator
	recorder  ExchangeRecorder
}

// NewAskService creates an AskService.
func NewAskService(chats ChatReader, retriever ContextRetriever, generator Generator, recorder ExchangeRecorder) *AskService {
	return &AskService{
		chats:     chats,
		retriever: retriever,
		generator: generator,
		recorder:  recorder,
	}
}

// Ask streams an answer for the question, invoking onToken per token. The
// returned result carries the final state; on a Failed stream the error is
// non-nil and nothing is persisted.
func (s *AskService) Ask(ctx context.Context, chatID, question string, onToken func(string) error) (*GenerationResult, error) {
	if question == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"question is required", domain.ErrMissingRequiredField)
	}

	ctx, span := telemetry.StartSpan(ctx, "AskService.Ask", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "ask",
	})
	defer span.End()

	chat, err := s.chats.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	history, err := s.chats.Messages(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	retrieved, err := s.retriever.Retrieve(ctx, chat.ID, question)
	if err != nil {
		return nil, err
	}

	result, err := s.generator.Generate(ctx, GenerateRequest{
		ScopeID:  chat.ID,
		Question: question,
		Context:  retrieved,
		History:  toChatMessages(history),
	}, onToken)
	if err != nil {
		return result, err
	}

	if err := s.recorder.RecordExchange(ctx, chat.ID, question, result); err != nil {
		return result, err
	}
	return result, nil
}

func toChatMessages(msgs []*domain.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
