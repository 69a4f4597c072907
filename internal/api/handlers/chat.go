package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/docagent-io/docagent/internal/api"
	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/pagination"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// maxUploadBytes caps uploaded document images at 10MB.
const maxUploadBytes = 10 << 20

var imageContentTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

type ChatService interface {
	CreateChat(ctx context.Context, title, documentFilename, storageKey string) (*domain.Chat, *domain.IngestionJob, error)
	GetChat(ctx context.Context, id string) (*domain.Chat, error)
	ListChats(ctx context.Context, cursor string, limit int) (*pagination.PageResult[*domain.Chat], error)
	DeleteChat(ctx context.Context, id string) error
	Messages(ctx context.Context, chatID string) ([]*domain.Message, error)
	JobStatus(ctx context.Context, chatID string) (*domain.IngestionJob, error)
}

// DocumentUploader stores uploaded document bytes for the ingestion worker.
type DocumentUploader interface {
	PutObject(ctx context.Context, key, contentType string, body []byte) error
}

type ChatHandler struct {
	svc     ChatService
	uploads DocumentUploader
}

func NewChatHandler(svc ChatService, uploads DocumentUploader) *ChatHandler {
	return &ChatHandler{svc: svc, uploads: uploads}
}

type CreateChatTextRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type ChatResponse struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	DocumentFilename string `json:"document_filename"`
	MessageCount     int    `json:"message_count"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type MessageResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContextUsed string `json:"context_used,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type JobResponse struct {
	ID            string `json:"id"`
	ChatID        string `json:"chat_id"`
	Status        string `json:"status"`
	FailedStage   string `json:"failed_stage,omitempty"`
	Error         string `json:"error,omitempty"`
	ChunksCreated int    `json:"chunks_created"`
	Retries       int32  `json:"retries"`
	CreatedAt     string `json:"created_at"`
	ProcessedAt   string `json:"processed_at,omitempty"`
}

type CreateChatResponse struct {
	Chat *ChatResponse `json:"chat"`
	Job  *JobResponse  `json:"job"`
}

const timeFormat = "2006-01-02T15:04:05Z"

func chatToResponse(c *domain.Chat) *ChatResponse {
	return &ChatResponse{
		ID:               c.ID,
		Title:            c.Title,
		DocumentFilename: c.DocumentFilename,
		MessageCount:     c.MessageCount,
		CreatedAt:        c.CreatedAt.Format(timeFormat),
		UpdatedAt:        c.UpdatedAt.Format(timeFormat),
	}
}

func messageToResponse(m *domain.Message) *MessageResponse {
	return &MessageResponse{
		ID:          m.ID,
		Role:        string(m.Role),
		Content:     m.Content,
		ContextUsed: m.ContextUsed,
		CreatedAt:   m.CreatedAt.Format(timeFormat),
	}
}

func jobToResponse(j *domain.IngestionJob) *JobResponse {
	resp := &JobResponse{
		ID:            j.ID,
		ChatID:        j.ChatID,
		Status:        string(j.Status),
		FailedStage:   string(j.FailedStage),
		Error:         j.Error,
		ChunksCreated: j.ChunksCreated,
		Retries:       j.Retries,
		CreatedAt:     j.CreatedAt.Format(timeFormat),
	}
	if j.ProcessedAt != nil {
		resp.ProcessedAt = j.ProcessedAt.Format(timeFormat)
	}
	return resp
}

// Create accepts either a multipart image upload (form field "document") or
// a JSON body with raw text, stores the document, and queues ingestion.
func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		api.Error(w, http.StatusBadRequest, "invalid content type")
		return
	}

	if mediaType == "multipart/form-data" {
		h.createFromUpload(w, r)
		return
	}
	h.createFromText(w, r)
}

func (h *ChatHandler) createFromUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer file.Close()

	if header.Size > maxUploadBytes {
		api.Error(w, http.StatusRequestEntityTooLarge, "document exceeds 10MB limit")
		return
	}

	filename := path.Base(header.Filename)
	contentType, ok := imageContentTypes[strings.ToLower(path.Ext(filename))]
	if !ok {
		api.HandleError(w, domain.ErrUnsupportedFileType)
		return
	}

	body, err := io.ReadAll(file)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "failed to read document")
		return
	}

	key := fmt.Sprintf("uploads/%s/%s", uuid.NewString(), filename)
	if err := h.uploads.PutObject(r.Context(), key, contentType, body); err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	h.finishCreate(w, r, r.FormValue("title"), filename, key)
}

func (h *ChatHandler) createFromText(w http.ResponseWriter, r *http.Request) {
	var req CreateChatTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		api.Error(w, http.StatusBadRequest, "text is required")
		return
	}

	const filename = "document.txt"
	key := fmt.Sprintf("uploads/%s/%s", uuid.NewString(), filename)
	if err := h.uploads.PutObject(r.Context(), key, "text/plain", []byte(req.Text)); err != nil {
		api.Error(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	h.finishCreate(w, r, req.Title, filename, key)
}

func (h *ChatHandler) finishCreate(w http.ResponseWriter, r *http.Request, title, filename, key string) {
	chat, job, err := h.svc.CreateChat(r.Context(), title, filename, key)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusAccepted, CreateChatResponse{
		Chat: chatToResponse(chat),
		Job:  jobToResponse(job),
	})
}

type ChatListResponse struct {
	Items   []*ChatResponse `json:"items"`
	Cursor  string          `json:"cursor,omitempty"`
	HasMore bool            `json:"has_more"`
}

func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	cursor := r.URL.Query().Get("cursor")
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.svc.ListChats(r.Context(), cursor, limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	responses := make([]*ChatResponse, len(page.Items))
	for i, c := range page.Items {
		responses[i] = chatToResponse(c)
	}

	api.Success(w, http.StatusOK, ChatListResponse{
		Items:   responses,
		Cursor:  page.Cursor,
		HasMore: page.HasMore,
	})
}

func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	chat, err := h.svc.GetChat(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, chatToResponse(chat))
}

func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.svc.DeleteChat(r.Context(), id); err != nil {
		api.HandleError(w, err)
		return
	}

	api.JSON(w, http.StatusNoContent, nil)
}

func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	msgs, err := h.svc.Messages(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	responses := make([]*MessageResponse, len(msgs))
	for i, m := range msgs {
		responses[i] = messageToResponse(m)
	}

	api.Success(w, http.StatusOK, responses)
}

func (h *ChatHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	job, err := h.svc.JobStatus(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, jobToResponse(job))
}
