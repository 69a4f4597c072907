package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/pagination"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockChatService struct {
	mock.Mock
}

func (m *MockChatService) CreateChat(ctx context.Context, title, documentFilename, storageKey string) (*domain.Chat, *domain.IngestionJob, error) {
	args := m.Called(ctx, title, documentFilename, storageKey)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*domain.Chat), args.Get(1).(*domain.IngestionJob), args.Error(2)
}

func (m *MockChatService) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Chat), args.Error(1)
}

func (m *MockChatService) ListChats(ctx context.Context, cursor string, limit int) (*pagination.PageResult[*domain.Chat], error) {
	args := m.Called(ctx, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pagination.PageResult[*domain.Chat]), args.Error(1)
}

func (m *MockChatService) DeleteChat(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockChatService) Messages(ctx context.Context, chatID string) ([]*domain.Message, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockChatService) JobStatus(ctx context.Context, chatID string) (*domain.IngestionJob, error) {
	args := m.Called(ctx, chatID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IngestionJob), args.Error(1)
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	args := m.Called(ctx, key, contentType, body)
	return args.Error(0)
}

func newTestChat() *domain.Chat {
	now := time.Now().UTC()
	return &domain.Chat{
		ID:               "chat-123",
		Title:            "Chat: report.png",
		DocumentFilename: "report.png",
		StorageKey:       "uploads/u-1/report.png",
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newTestJob() *domain.IngestionJob {
	return &domain.IngestionJob{
		ID:        "job-123",
		ChatID:    "chat-123",
		Status:    domain.IngestionJobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func requestWithID(method, url, id string, body []byte) *http.Request {
	req := httptest.NewRequest(method, url, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestChatHandler_Create_Upload_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	mockUploads := new(MockUploader)
	handler := NewChatHandler(mockSvc, mockUploads)

	content := []byte{0x89, 0x50, 0x4e, 0x47}
	mockUploads.On("PutObject", mock.Anything, mock.MatchedBy(func(key string) bool {
		return len(key) > 0
	}), "image/png", content).Return(nil)
	mockSvc.On("CreateChat", mock.Anything, "", "report.png", mock.Anything).
		Return(newTestChat(), newTestJob(), nil)

	body, contentType := multipartUpload(t, "document", "report.png", content)
	req := httptest.NewRequest(http.MethodPost, "/chats", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	handler.Create(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]interface{})
	chat := data["chat"].(map[string]interface{})
	job := data["job"].(map[string]interface{})
	assert.Equal(t, "chat-123", chat["id"])
	assert.Equal(t, "pending", job["status"])
	mockSvc.AssertExpectations(t)
	mockUploads.AssertExpectations(t)
}

func TestChatHandler_Create_Upload_UnsupportedType(t *testing.T) {
	handler := NewChatHandler(new(MockChatService), new(MockUploader))

	body, contentType := multipartUpload(t, "document", "report.pdf", []byte("%PDF"))
	req := httptest.NewRequest(http.MethodPost, "/chats", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	handler.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported file type")
}

func TestChatHandler_Create_Upload_MissingFile(t *testing.T) {
	handler := NewChatHandler(new(MockChatService), new(MockUploader))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	require.NoError(t, writer.WriteField("title", "no file"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/chats", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()

	handler.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "document file is required")
}

func TestChatHandler_Create_Text_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	mockUploads := new(MockUploader)
	handler := NewChatHandler(mockSvc, mockUploads)

	mockUploads.On("PutObject", mock.Anything, mock.Anything, "text/plain", []byte("quarterly figures")).Return(nil)
	mockSvc.On("CreateChat", mock.Anything, "Q3 report", "document.txt", mock.Anything).
		Return(newTestChat(), newTestJob(), nil)

	body := `{"title":"Q3 report","text":"quarterly figures"}`
	req := httptest.NewRequest(http.MethodPost, "/chats", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.Create(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	mockSvc.AssertExpectations(t)
	mockUploads.AssertExpectations(t)
}

func TestChatHandler_Create_Text_MissingText(t *testing.T) {
	handler := NewChatHandler(new(MockChatService), new(MockUploader))

	req := httptest.NewRequest(http.MethodPost, "/chats", bytes.NewReader([]byte(`{"title":"empty"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.Create(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "text is required")
}

func TestChatHandler_Get_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("GetChat", mock.Anything, "chat-123").Return(newTestChat(), nil)

	req := requestWithID(http.MethodGet, "/chats/chat-123", "chat-123", nil)
	w := httptest.NewRecorder()

	handler.Get(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "report.png", data["document_filename"])
}

func TestChatHandler_Get_NotFound(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("GetChat", mock.Anything, "chat-999").Return(nil, domain.ErrChatNotFound)

	req := requestWithID(http.MethodGet, "/chats/chat-999", "chat-999", nil)
	w := httptest.NewRecorder()

	handler.Get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatHandler_List_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("ListChats", mock.Anything, "", 20).Return(&pagination.PageResult[*domain.Chat]{
		Items:   []*domain.Chat{newTestChat()},
		Cursor:  "next-page",
		HasMore: true,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]interface{})
	assert.Len(t, data["items"].([]interface{}), 1)
	assert.Equal(t, "next-page", data["cursor"])
	assert.Equal(t, true, data["has_more"])
}

func TestChatHandler_List_CursorAndLimitForwarded(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("ListChats", mock.Anything, "abc123", 5).Return(&pagination.PageResult[*domain.Chat]{
		Items: []*domain.Chat{},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/chats?cursor=abc123&limit=5", nil)
	w := httptest.NewRecorder()

	handler.List(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	mockSvc.AssertExpectations(t)
}

func TestChatHandler_Delete_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("DeleteChat", mock.Anything, "chat-123").Return(nil)

	req := requestWithID(http.MethodDelete, "/chats/chat-123", "chat-123", nil)
	w := httptest.NewRecorder()

	handler.Delete(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	mockSvc.AssertExpectations(t)
}

func TestChatHandler_Messages_Success(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	msgs := []*domain.Message{
		{ID: "m-1", ChatID: "chat-123", Role: domain.RoleUser, Content: "what is the total?", CreatedAt: time.Now().UTC()},
		{ID: "m-2", ChatID: "chat-123", Role: domain.RoleAssistant, Content: "the total is 42", ContextUsed: "chunk text", CreatedAt: time.Now().UTC()},
	}
	mockSvc.On("Messages", mock.Anything, "chat-123").Return(msgs, nil)

	req := requestWithID(http.MethodGet, "/chats/chat-123/messages", "chat-123", nil)
	w := httptest.NewRecorder()

	handler.Messages(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].([]interface{})
	require.Len(t, data, 2)
	second := data[1].(map[string]interface{})
	assert.Equal(t, "assistant", second["role"])
	assert.Equal(t, "chunk text", second["context_used"])
}

func TestChatHandler_JobStatus_FailedJob(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	job := newTestJob()
	job.Status = domain.IngestionJobStatusFailed
	job.FailedStage = domain.StageEmbedding
	job.Error = "model provider unavailable"
	job.Retries = 3
	mockSvc.On("JobStatus", mock.Anything, "chat-123").Return(job, nil)

	req := requestWithID(http.MethodGet, "/chats/chat-123/job", "chat-123", nil)
	w := httptest.NewRecorder()

	handler.JobStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, "embedding", data["failed_stage"])
	assert.Equal(t, float64(3), data["retries"])
}

func TestChatHandler_JobStatus_NotFound(t *testing.T) {
	mockSvc := new(MockChatService)
	handler := NewChatHandler(mockSvc, new(MockUploader))

	mockSvc.On("JobStatus", mock.Anything, "chat-123").Return(nil, domain.ErrJobNotFound)

	req := requestWithID(http.MethodGet, "/chats/chat-123/job", "chat-123", nil)
	w := httptest.NewRecorder()

	handler.JobStatus(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
