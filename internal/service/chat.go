package service

import (
	"context"
	"fmt"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/pagination"
	"github.com/google/uuid"
)

// ChatRepository persists chat metadata.
type ChatRepository interface {
	Create(ctx context.Context, chat *domain.Chat) error
	GetByID(ctx context.Context, id string) (*domain.Chat, error)
	List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Chat], error)
	SoftDelete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

// MessageRepository persists the question/answer history of a chat.
type MessageRepository interface {
	Add(ctx context.Context, msg *domain.Message) error
	ListByChat(ctx context.Context, chatID string) ([]*domain.Message, error)
}

// JobRepository persists ingestion job state.
type JobRepository interface {
	Create(ctx context.Context, job *domain.IngestionJob) error
	LatestByChat(ctx context.Context, chatID string) (*domain.IngestionJob, error)
}

// ChunkEraser removes the durable chunk rows of a chat.
type ChunkEraser interface {
	DeleteByChat(ctx context.Context, chatID string) error
}

// ScopeDeleter drops a scope from the in-memory index.
type ScopeDeleter interface {
	DeleteScope(scopeID string)
}

// ChatService owns chat lifecycle and exchange bookkeeping. It never touches
// vectors beyond cascading scope deletion.
type ChatService struct {
	chats    ChatRepository
	messages MessageRepository
	jobs     JobRepository
	chunks   ChunkEraser
	index    ScopeDeleter
}

// NewChatService creates a ChatService.
func NewChatService(
	chats ChatRepository,
	messages MessageRepository,
	jobs JobRepository,
	chunks ChunkEraser,
	index ScopeDeleter,
) *ChatService {
	return &ChatService{
		chats:    chats,
		messages: messages,
		jobs:     jobs,
		chunks:   chunks,
		index:    index,
	}
}

// CreateChat creates a chat for the uploaded document together with its
// pending ingestion job. The worker picks the job up asynchronously.
func (s *ChatService) CreateChat(ctx context.Context, title, documentFilename, storageKey string) (*domain.Chat, *domain.IngestionJob, error) {
	now := time.Now().UTC()
	chat := domain.NewChat(uuid.NewString(), title, documentFilename, now)
	chat.StorageKey = storageKey
	if err := chat.Validate(); err != nil {
		return nil, nil, err
	}

	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, nil, fmt.Errorf("failed to create chat: %w", err)
	}

	job := &domain.IngestionJob{
		ID:        uuid.NewString(),
		ChatID:    chat.ID,
		Status:    domain.IngestionJobStatusPending,
		CreatedAt: now,
	}
	if err := domain.ValidateIngestionJob(job); err != nil {
		return nil, nil, err
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("failed to create ingestion job: %w", err)
	}

	return chat, job, nil
}

// GetChat returns an active chat by ID.
func (s *ChatService) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	chat, err := s.chats.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if chat == nil || !chat.IsActive {
		return nil, domain.ErrChatNotFound
	}
	return chat, nil
}

// ListChats returns a page of active chats, most recently updated first.
// An empty cursor starts from the newest chat.
func (s *ChatService) ListChats(ctx context.Context, cursor string, limit int) (*pagination.PageResult[*domain.Chat], error) {
	decoded, err := pagination.DecodeCursor(cursor)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "invalid cursor", err)
	}
	return s.chats.List(ctx, decoded, limit)
}

// DeleteChat soft-deletes the chat and cascades: durable chunk rows are
// removed and the in-memory scope is dropped. Deleting a chat that is
// already gone is a no-op.
func (s *ChatService) DeleteChat(ctx context.Context, id string) error {
	if err := s.chats.SoftDelete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if err := s.chunks.DeleteByChat(ctx, id); err != nil {
		return fmt.Errorf("failed to delete chat chunks: %w", err)
	}
	s.index.DeleteScope(id)
	return nil
}

// Messages returns the chat's full message history in creation order.
func (s *ChatService) Messages(ctx context.Context, chatID string) ([]*domain.Message, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	return s.messages.ListByChat(ctx, chatID)
}

// JobStatus returns the most recent ingestion job for the chat.
func (s *ChatService) JobStatus(ctx context.Context, chatID string) (*domain.IngestionJob, error) {
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	}
	job, err := s.jobs.LatestByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

// RecordExchange persists one completed question/answer pair. It is only
// called after the generation stream reached Completed; failed streams leave
// no trace in the message history.
func (s *ChatService) RecordExchange(ctx context.Context, chatID, question string, result *GenerationResult) error {
	if result == nil || result.State != StateCompleted {
		return domain.NewDomainError(domain.ErrCodeInvalidOperation,
			"only completed generations may be recorded")
	}

	now := time.Now().UTC()
	userMsg := &domain.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Content:   question,
		CreatedAt: now,
	}
	if err := userMsg.Validate(); err != nil {
		return err
	}
	if err := s.messages.Add(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to record question: %w", err)
	}

	assistantMsg := &domain.Message{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		Role:        domain.RoleAssistant,
		Content:     result.Text,
		ContextUsed: result.ContextUsed,
		CreatedAt:   now,
	}
	if err := assistantMsg.Validate(); err != nil {
		return err
	}
	if err := s.messages.Add(ctx, assistantMsg); err != nil {
		return fmt.Errorf("failed to record answer: %w", err)
	}

	return s.chats.Touch(ctx, chatID, now)
}
