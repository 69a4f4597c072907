//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docagent-io/docagent/internal/api/handlers"
	"github.com/docagent-io/docagent/internal/jobs"
	"github.com/docagent-io/docagent/internal/repository"
	"github.com/docagent-io/docagent/internal/server"
	"github.com/docagent-io/docagent/internal/service"
	"github.com/docagent-io/docagent/internal/storage"
	"github.com/docagent-io/docagent/internal/testutil"
	"github.com/docagent-io/docagent/internal/vectorstore"
	"github.com/jackc/pgx/v5/pgxpool"
)

const testDimension = 8

// stubProvider is a deterministic in-process model backend. Embeddings hash
// the text into a fixed-width vector; chats echo the question back token by
// token; extraction returns a canned document body.
type stubProvider struct {
	extracted string
}

func (p *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDimension)
	for i, r := range text {
		vec[i%testDimension] += float32(r%13) + 1
	}
	return vec, nil
}

func (p *stubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *stubProvider) StreamChat(ctx context.Context, req service.ChatRequest) (service.TokenStream, error) {
	return &sliceStream{tokens: strings.SplitAfter("answer to: "+req.Question, " ")}, nil
}

func (p *stubProvider) ExtractDocument(ctx context.Context, imageB64 string) (string, error) {
	return p.extracted, nil
}

type sliceStream struct {
	tokens []string
	pos    int
}

func (s *sliceStream) Recv() (string, error) {
	if s.pos >= len(s.tokens) {
		return "", io.EOF
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}

func (s *sliceStream) Close() error { return nil }

// TestEnv wires the full stack against real containers, with only the model
// provider stubbed out.
type TestEnv struct {
	T         *testing.T
	Ctx       context.Context
	Pool      *pgxpool.Pool
	Server    *httptest.Server
	Ingestion *jobs.IngestionWorker
	closers   []func()
}

func SetupEnv(t *testing.T, extracted string) *TestEnv {
	t.Helper()
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	// The migration provisions vector(1024) columns; shrink to the test
	// dimension so the stub embeddings fit.
	if _, err := pool.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE chat_chunks ALTER COLUMN embedding TYPE vector(%d)`, testDimension)); err != nil {
		t.Fatalf("failed to resize embedding column: %v", err)
	}

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "test-documents",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	provider := &stubProvider{extracted: extracted}

	store, err := vectorstore.New(vectorstore.DefaultConfig(testDimension))
	if err != nil {
		t.Fatalf("failed to create vector store: %v", err)
	}

	embedder, err := service.NewEmbeddingGateway(provider, service.DefaultEmbeddingConfig(testDimension))
	if err != nil {
		t.Fatalf("failed to create embedding gateway: %v", err)
	}

	chatRepo := repository.NewChatRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	chunkRepo := repository.NewChatChunkRepository(pool)
	jobRepo := repository.NewIngestionJobRepository(pool)

	retriever, err := service.NewRetriever(embedder, store, service.DefaultRetrieverConfig())
	if err != nil {
		t.Fatalf("failed to create retriever: %v", err)
	}

	generator, err := service.NewGenerationOrchestrator(provider, service.DefaultGenerationConfig())
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	ingestionSvc, err := service.NewIngestionService(provider, embedder, chunkRepo, store, service.DefaultIngestionConfig())
	if err != nil {
		t.Fatalf("failed to create ingestion service: %v", err)
	}

	chatSvc := service.NewChatService(chatRepo, messageRepo, jobRepo, chunkRepo, store)
	askSvc := service.NewAskService(chatSvc, retriever, generator, chatSvc)

	router := server.NewRouter(server.RouterConfig{
		ChatHandler: handlers.NewChatHandler(chatSvc, s3Client),
		AskHandler:  handlers.NewAskHandler(askSvc),
	})

	srv := httptest.NewServer(router)

	env := &TestEnv{
		T:         t,
		Ctx:       ctx,
		Pool:      pool,
		Server:    srv,
		Ingestion: jobs.NewIngestionWorker(jobRepo, chatRepo, s3Client, ingestionSvc, 3),
	}
	env.closers = append(env.closers,
		srv.Close,
		pool.Close,
		func() { _ = s3C.Terminate(ctx) },
		func() { _ = pgC.Terminate(ctx) },
	)
	return env
}

func (e *TestEnv) Teardown() {
	for _, closer := range e.closers {
		closer()
	}
}

// RunJobs drives the ingestion worker until the queue drains or the deadline
// passes. The HTTP API only enqueues; processing is the worker's job.
func (e *TestEnv) RunJobs() {
	e.T.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.Ingestion.ProcessJobs(e.Ctx); err != nil {
			e.T.Fatalf("worker failed: %v", err)
		}
		var pending int
		err := e.Pool.QueryRow(e.Ctx,
			`SELECT COUNT(*) FROM document_jobs WHERE status IN ('pending', 'processing')`).Scan(&pending)
		if err != nil {
			e.T.Fatalf("failed to count pending jobs: %v", err)
		}
		if pending == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.T.Fatal("ingestion jobs did not drain in time")
}

func (e *TestEnv) PostJSON(path string, payload any) *http.Response {
	e.T.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		e.T.Fatalf("failed to marshal payload: %v", err)
	}
	resp, err := http.Post(e.Server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		e.T.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (e *TestEnv) PostUpload(path, filename string, content []byte) *http.Response {
	e.T.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("document", filename)
	if err != nil {
		e.T.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		e.T.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		e.T.Fatalf("failed to close multipart writer: %v", err)
	}

	resp, err := http.Post(e.Server.URL+path, writer.FormDataContentType(), &buf)
	if err != nil {
		e.T.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

func (e *TestEnv) Get(path string) *http.Response {
	e.T.Helper()
	resp, err := http.Get(e.Server.URL + path)
	if err != nil {
		e.T.Fatalf("GET %s failed: %v", path, err)
	}
	return resp
}

func (e *TestEnv) Delete(path string) *http.Response {
	e.T.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.Server.URL+path, nil)
	if err != nil {
		e.T.Fatalf("failed to build DELETE request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.T.Fatalf("DELETE %s failed: %v", path, err)
	}
	return resp
}

// DecodeData unmarshals the "data" envelope of a JSON response into out.
func DecodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("failed to decode response data: %v", err)
	}
}
