package repository

import (
	"context"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChatChunkRepository handles the durable copy of a chat's embedded chunks.
// The in-memory index is warmed from these rows at startup.
type ChatChunkRepository struct {
	pool *pgxpool.Pool
}

func NewChatChunkRepository(pool *pgxpool.Pool) *ChatChunkRepository {
	return &ChatChunkRepository{pool: pool}
}

// ReplaceChunks swaps the chat's chunk rows for the given set in one
// transaction. A re-ingested document never leaves a mix of old and new rows.
func (r *ChatChunkRepository) ReplaceChunks(ctx context.Context, chatID string, chunks []domain.Chunk) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM chat_chunks WHERE chat_id = $1`, chatID); err != nil {
			return err
		}
		for _, c := range chunks {
			createdAt := c.CreatedAt
			if createdAt.IsZero() {
				createdAt = time.Now().UTC()
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO chat_chunks (id, chat_id, chunk_index, content, embedding, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				c.ID, chatID, c.SequenceIndex, c.Text, pgvector.NewVector(c.Vector), createdAt,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ChatChunkRepository) DeleteByChat(ctx context.Context, chatID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM chat_chunks WHERE chat_id = $1`, chatID)
	return err
}

// CountByChat returns how many chunk rows the chat has.
func (r *ChatChunkRepository) CountByChat(ctx context.Context, chatID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chat_chunks WHERE chat_id = $1`, chatID,
	).Scan(&count)
	return count, err
}

// ForEachChunk streams every chunk row of every active chat to fn, ordered by
// chat then chunk index. Rows of soft-deleted chats are skipped.
func (r *ChatChunkRepository) ForEachChunk(ctx context.Context, fn func(domain.Chunk) error) error {
	rows, err := r.pool.Query(ctx,
		`SELECT cc.id, cc.chat_id, cc.chunk_index, cc.content, cc.embedding, cc.created_at
		 FROM chat_chunks cc
		 JOIN chats c ON c.id = cc.chat_id
		 WHERE c.is_active = TRUE
		 ORDER BY cc.chat_id, cc.chunk_index`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var chunk domain.Chunk
		var embedding pgvector.Vector
		if err := rows.Scan(&chunk.ID, &chunk.ScopeID, &chunk.SequenceIndex,
			&chunk.Text, &embedding, &chunk.CreatedAt); err != nil {
			return err
		}
		chunk.Vector = embedding.Slice()
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SearchByEmbedding runs an exact cosine search over the chat's chunk rows.
// The in-memory index serves live traffic; this is the durable fallback used
// by operational tooling and tests.
func (r *ChatChunkRepository) SearchByEmbedding(ctx context.Context, chatID string, embedding []float32, limit int) ([]domain.SearchResult, error) {
	if limit <= 0 {
		limit = 3
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, chat_id, chunk_index, content, embedding,
		        GREATEST(1 - (embedding <=> $1), 0) AS score
		 FROM chat_chunks
		 WHERE chat_id = $2
		 ORDER BY score DESC, chunk_index ASC
		 LIMIT $3`,
		pgvector.NewVector(embedding), chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.SearchResult, 0, limit)
	for rows.Next() {
		var res domain.SearchResult
		var vec pgvector.Vector
		if err := rows.Scan(&res.Chunk.ID, &res.Chunk.ScopeID, &res.Chunk.SequenceIndex,
			&res.Chunk.Text, &vec, &res.Score); err != nil {
			return nil, err
		}
		res.Chunk.Vector = vec.Slice()
		results = append(results, res)
	}
	return results, rows.Err()
}
