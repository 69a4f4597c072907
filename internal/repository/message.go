package repository

import (
	"context"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageRepository handles persistence of chat message history.
type MessageRepository struct {
	db dbtx
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: pool}
}

func NewMessageRepositoryWithTx(tx pgx.Tx) *MessageRepository {
	return &MessageRepository{db: tx}
}

func (r *MessageRepository) Add(ctx context.Context, msg *domain.Message) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, chat_id, role, content, context_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ChatID, msg.Role, msg.Content, nullableString(msg.ContextUsed), msg.CreatedAt,
	)
	return err
}

// ListByChat returns the chat's messages in creation order. Within one
// exchange the user question sorts before the assistant answer.
func (r *MessageRepository) ListByChat(ctx context.Context, chatID string) ([]*domain.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, chat_id, role, content, context_used, created_at
		 FROM messages
		 WHERE chat_id = $1
		 ORDER BY created_at ASC, CASE role WHEN 'user' THEN 0 ELSE 1 END ASC, id ASC`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		var msg domain.Message
		var contextUsed pgtype.Text
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Content, &contextUsed, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if contextUsed.Valid {
			msg.ContextUsed = contextUsed.String
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
