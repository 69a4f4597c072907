//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const embeddingDim = 1024

func testEmbedding(lead float32) []float32 {
	vec := make([]float32, embeddingDim)
	vec[0] = lead
	vec[1] = 1 - lead
	return vec
}

func testChunks(chatID string, texts ...string) []domain.Chunk {
	now := time.Now().UTC().Truncate(time.Microsecond)
	chunks := make([]domain.Chunk, 0, len(texts))
	for i, text := range texts {
		chunks = append(chunks, domain.Chunk{
			ID:            uuid.NewString(),
			ScopeID:       chatID,
			SequenceIndex: i,
			Text:          text,
			Vector:        testEmbedding(float32(i+1) / float32(len(texts)+1)),
			CreatedAt:     now,
		})
	}
	return chunks
}

func TestChatChunkRepository_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	chatRepo := NewChatRepository(pool)
	chunkRepo := NewChatChunkRepository(pool)

	chat := newTestChat("Chunked")
	require.NoError(t, chatRepo.Create(ctx, chat))

	require.NoError(t, chunkRepo.ReplaceChunks(ctx, chat.ID, testChunks(chat.ID, "first", "second", "third")))

	count, err := chunkRepo.CountByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// replacement swaps the whole set, old rows never survive
	require.NoError(t, chunkRepo.ReplaceChunks(ctx, chat.ID, testChunks(chat.ID, "only")))

	count, err = chunkRepo.CountByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChatChunkRepository_ForEachChunk_SkipsDeletedChats(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	chatRepo := NewChatRepository(pool)
	chunkRepo := NewChatChunkRepository(pool)

	active := newTestChat("Active")
	deleted := newTestChat("Deleted")
	require.NoError(t, chatRepo.Create(ctx, active))
	require.NoError(t, chatRepo.Create(ctx, deleted))

	require.NoError(t, chunkRepo.ReplaceChunks(ctx, active.ID, testChunks(active.ID, "a0", "a1")))
	require.NoError(t, chunkRepo.ReplaceChunks(ctx, deleted.ID, testChunks(deleted.ID, "d0")))
	require.NoError(t, chatRepo.SoftDelete(ctx, deleted.ID))

	var seen []domain.Chunk
	err := chunkRepo.ForEachChunk(ctx, func(c domain.Chunk) error {
		seen = append(seen, c)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	for i, c := range seen {
		assert.Equal(t, active.ID, c.ScopeID)
		assert.Equal(t, i, c.SequenceIndex)
		assert.Len(t, c.Vector, embeddingDim)
	}
}

func TestChatChunkRepository_SearchByEmbedding(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	chatRepo := NewChatRepository(pool)
	chunkRepo := NewChatChunkRepository(pool)

	chat := newTestChat("Searchable")
	require.NoError(t, chatRepo.Create(ctx, chat))
	require.NoError(t, chunkRepo.ReplaceChunks(ctx, chat.ID, testChunks(chat.ID, "far", "near", "middle")))

	// query identical to the "near" chunk's embedding
	results, err := chunkRepo.SearchByEmbedding(ctx, chat.ID, testEmbedding(2.0/4.0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Chunk.Text)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestChatChunkRepository_DeleteByChat(t *testing.T) {
	ctx := context.Background()
	pc := testutil.NewPostgresContainer(ctx, t)
	defer pc.Terminate(ctx)

	pool := testutil.NewTestPool(ctx, t, pc, "../../migrations")
	defer pool.Close()

	chatRepo := NewChatRepository(pool)
	chunkRepo := NewChatChunkRepository(pool)

	chat := newTestChat("Erased")
	require.NoError(t, chatRepo.Create(ctx, chat))
	require.NoError(t, chunkRepo.ReplaceChunks(ctx, chat.ID, testChunks(chat.ID, "gone")))

	require.NoError(t, chunkRepo.DeleteByChat(ctx, chat.ID))

	count, err := chunkRepo.CountByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// idempotent
	require.NoError(t, chunkRepo.DeleteByChat(ctx, chat.ID))
}
