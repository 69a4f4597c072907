package service

import (
	"context"
	"testing"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockChatRepo mocks the chat repository
type MockChatRepo struct {
	mock.Mock
}

func (m *MockChatRepo) Create(ctx context.Context, chat *domain.Chat) error {
	args := m.Called(ctx, chat)
	return args.Error(0)
}

func (m *MockChatRepo) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatRepo) List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Chat], error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pagination.PageResult[*domain.Chat]), args.Error(1)
}

func (m *MockChatRepo) SoftDelete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockChatRepo) Touch(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MockMessageRepo mocks the message repository
type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Add(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) ListByChat(ctx context.Context, chatID string) ([]*domain.Message, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

// MockJobRepo mocks the ingestion job repository
type MockJobRepo struct {
	mock.Mock
}

func (m *MockJobRepo) Create(ctx context.Context, job *domain.IngestionJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobRepo) LatestByChat(ctx context.Context, chatID string) (*domain.IngestionJob, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IngestionJob), args.Error(1)
}

// MockChunkEraser mocks durable chunk deletion
type MockChunkEraser struct {
	mock.Mock
}

func (m *MockChunkEraser) DeleteByChat(ctx context.Context, chatID string) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

type fakeScopeDeleter struct {
	deleted []string
}

func (f *fakeScopeDeleter) DeleteScope(scopeID string) {
	f.deleted = append(f.deleted, scopeID)
}

func newChatService(chats *MockChatRepo, messages *MockMessageRepo, jobs *MockJobRepo, chunks *MockChunkEraser, index *fakeScopeDeleter) *ChatService {
	return NewChatService(chats, messages, jobs, chunks, index)
}

func TestChatService_CreateChat(t *testing.T) {
	chats := new(MockChatRepo)
	jobs := new(MockJobRepo)
	svc := newChatService(chats, new(MockMessageRepo), jobs, new(MockChunkEraser), &fakeScopeDeleter{})

	ctx := context.Background()
	chats.On("Create", ctx, mock.AnythingOfType("*domain.Chat")).Return(nil)
	jobs.On("Create", ctx, mock.AnythingOfType("*domain.IngestionJob")).Return(nil)

	chat, job, err := svc.CreateChat(ctx, "", "report.png", "uploads/report.png")
	require.NoError(t, err)

	assert.NotEmpty(t, chat.ID)
	assert.Equal(t, "Chat: report.png", chat.Title)
	assert.Equal(t, "uploads/report.png", chat.StorageKey)
	assert.Equal(t, chat.ID, job.ChatID)
	assert.Equal(t, domain.IngestionJobStatusPending, job.Status)
	chats.AssertExpectations(t)
	jobs.AssertExpectations(t)
}

func TestChatService_GetChat_InactiveIsNotFound(t *testing.T) {
	chats := new(MockChatRepo)
	svc := newChatService(chats, new(MockMessageRepo), new(MockJobRepo), new(MockChunkEraser), &fakeScopeDeleter{})

	ctx := context.Background()
	chats.On("GetByID", ctx, "chat-1").Return(&domain.Chat{ID: "chat-1", IsActive: false}, nil)

	_, err := svc.GetChat(ctx, "chat-1")
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}

func TestChatService_DeleteChat_Cascades(t *testing.T) {
	chats := new(MockChatRepo)
	chunks := new(MockChunkEraser)
	index := &fakeScopeDeleter{}
	svc := newChatService(chats, new(MockMessageRepo), new(MockJobRepo), chunks, index)

	ctx := context.Background()
	chats.On("SoftDelete", ctx, "chat-1").Return(nil)
	chunks.On("DeleteByChat", ctx, "chat-1").Return(nil)

	require.NoError(t, svc.DeleteChat(ctx, "chat-1"))
	assert.Equal(t, []string{"chat-1"}, index.deleted)
	chats.AssertExpectations(t)
	chunks.AssertExpectations(t)
}

func TestChatService_ListChats_DecodesCursor(t *testing.T) {
	chats := new(MockChatRepo)
	svc := NewChatService(chats, new(MockMessageRepo), new(MockJobRepo), new(MockChunkEraser), &fakeScopeDeleter{})

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	encoded := pagination.EncodeCursor("chat-9", at)

	chats.On("List", mock.Anything, mock.MatchedBy(func(c *pagination.Cursor) bool {
		return c != nil && c.LastID == "chat-9" && c.Timestamp.Equal(at)
	}), 10).Return(&pagination.PageResult[*domain.Chat]{Items: []*domain.Chat{}}, nil)

	_, err := svc.ListChats(context.Background(), encoded, 10)
	require.NoError(t, err)
	chats.AssertExpectations(t)
}

func TestChatService_ListChats_InvalidCursor(t *testing.T) {
	svc := NewChatService(new(MockChatRepo), new(MockMessageRepo), new(MockJobRepo), new(MockChunkEraser), &fakeScopeDeleter{})

	_, err := svc.ListChats(context.Background(), "not-base64!!", 10)
	require.Error(t, err)

	var domainErr *domain.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, domain.ErrCodeValidation, domainErr.Code)
}

func TestChatService_RecordExchange_OnlyCompleted(t *testing.T) {
	svc := newChatService(new(MockChatRepo), new(MockMessageRepo), new(MockJobRepo), new(MockChunkEraser), &fakeScopeDeleter{})

	err := svc.RecordExchange(context.Background(), "chat-1", "q", &GenerationResult{State: StateFailed, Text: "partial"})
	assert.Error(t, err)

	err = svc.RecordExchange(context.Background(), "chat-1", "q", nil)
	assert.Error(t, err)
}

func TestChatService_RecordExchange_PersistsBothMessages(t *testing.T) {
	chats := new(MockChatRepo)
	messages := new(MockMessageRepo)
	svc := newChatService(chats, messages, new(MockJobRepo), new(MockChunkEraser), &fakeScopeDeleter{})

	ctx := context.Background()
	var recorded []*domain.Message
	messages.On("Add", ctx, mock.AnythingOfType("*domain.Message")).Run(func(args mock.Arguments) {
		recorded = append(recorded, args.Get(1).(*domain.Message))
	}).Return(nil).Twice()
	chats.On("Touch", ctx, "chat-1", mock.AnythingOfType("time.Time")).Return(nil)

	result := &GenerationResult{
		State:       StateCompleted,
		Text:        "The chart shows growth.",
		ContextUsed: "[Relevance: 0.91]\nRevenue grew.",
		ScopeID:     "chat-1",
	}
	require.NoError(t, svc.RecordExchange(ctx, "chat-1", "What does it show?", result))

	require.Len(t, recorded, 2)
	assert.Equal(t, domain.RoleUser, recorded[0].Role)
	assert.Equal(t, "What does it show?", recorded[0].Content)
	assert.Equal(t, domain.RoleAssistant, recorded[1].Role)
	assert.Equal(t, result.Text, recorded[1].Content)
	assert.Equal(t, result.ContextUsed, recorded[1].ContextUsed)
	messages.AssertExpectations(t)
	chats.AssertExpectations(t)
}

func TestChatService_JobStatus(t *testing.T) {
	chats := new(MockChatRepo)
	jobs := new(MockJobRepo)
	svc := newChatService(chats, new(MockMessageRepo), jobs, new(MockChunkEraser), &fakeScopeDeleter{})

	ctx := context.Background()
	chats.On("GetByID", ctx, "chat-1").Return(&domain.Chat{ID: "chat-1", IsActive: true}, nil)
	jobs.On("LatestByChat", ctx, "chat-1").Return(&domain.IngestionJob{
		ID:            "job-1",
		ChatID:        "chat-1",
		Status:        domain.IngestionJobStatusFailed,
		FailedStage:   domain.StageEmbedding,
		ChunksCreated: 0,
	}, nil)

	job, err := svc.JobStatus(ctx, "chat-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestionJobStatusFailed, job.Status)
	assert.Equal(t, domain.StageEmbedding, job.FailedStage)
}
