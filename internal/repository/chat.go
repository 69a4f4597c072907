package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/pagination"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChatRepository handles persistence of chat metadata. Deletion is soft: the
// row stays for audit but drops out of every read path.
type ChatRepository struct {
	db dbtx
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: pool}
}

func NewChatRepositoryWithTx(tx pgx.Tx) *ChatRepository {
	return &ChatRepository{db: tx}
}

func (r *ChatRepository) Create(ctx context.Context, chat *domain.Chat) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO chats (id, title, document_filename, storage_key, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		chat.ID, chat.Title, chat.DocumentFilename, nullableString(chat.StorageKey),
		chat.IsActive, chat.CreatedAt, chat.UpdatedAt,
	)
	return err
}

func (r *ChatRepository) GetByID(ctx context.Context, id string) (*domain.Chat, error) {
	var chat domain.Chat
	var storageKey *string
	err := r.db.QueryRow(ctx,
		`SELECT c.id, c.title, c.document_filename, c.storage_key, c.is_active, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id) AS message_count
		 FROM chats c WHERE c.id = $1`,
		id,
	).Scan(&chat.ID, &chat.Title, &chat.DocumentFilename, &storageKey,
		&chat.IsActive, &chat.CreatedAt, &chat.UpdatedAt, &chat.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, err
	}
	if storageKey != nil {
		chat.StorageKey = *storageKey
	}
	return &chat, nil
}

// List returns a page of active chats, most recently updated first. A nil
// cursor starts from the newest chat.
func (r *ChatRepository) List(ctx context.Context, cursor *pagination.Cursor, limit int) (*pagination.PageResult[*domain.Chat], error) {
	if limit <= 0 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if cursor != nil {
		rows, err = r.db.Query(ctx,
			`SELECT c.id, c.title, c.document_filename, c.storage_key, c.is_active, c.created_at, c.updated_at,
			        (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id) AS message_count
			 FROM chats c
			 WHERE c.is_active = TRUE AND (c.updated_at, c.id) < ($1, $2)
			 ORDER BY c.updated_at DESC, c.id DESC
			 LIMIT $3`,
			cursor.Timestamp, cursor.LastID, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT c.id, c.title, c.document_filename, c.storage_key, c.is_active, c.created_at, c.updated_at,
			        (SELECT COUNT(*) FROM messages m WHERE m.chat_id = c.id) AS message_count
			 FROM chats c
			 WHERE c.is_active = TRUE
			 ORDER BY c.updated_at DESC, c.id DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]*domain.Chat, 0)
	for rows.Next() {
		var chat domain.Chat
		var storageKey *string
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.DocumentFilename, &storageKey,
			&chat.IsActive, &chat.CreatedAt, &chat.UpdatedAt, &chat.MessageCount); err != nil {
			return nil, err
		}
		if storageKey != nil {
			chat.StorageKey = *storageKey
		}
		chats = append(chats, &chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(chats) > limit
	if hasMore {
		chats = chats[:limit]
	}

	var nextCursor string
	if hasMore && len(chats) > 0 {
		last := chats[len(chats)-1]
		nextCursor = pagination.EncodeCursor(last.ID, last.UpdatedAt)
	}

	return &pagination.PageResult[*domain.Chat]{
		Items:   chats,
		Cursor:  nextCursor,
		HasMore: hasMore,
	}, nil
}

// SoftDelete marks the chat inactive. Deleting an unknown or already deleted
// chat is a no-op.
func (r *ChatRepository) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE chats SET is_active = FALSE, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	return err
}

// Touch bumps updated_at so the chat sorts to the top of the list after a
// new exchange.
func (r *ChatRepository) Touch(ctx context.Context, id string, at time.Time) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE chats SET updated_at = $1 WHERE id = $2 AND is_active = TRUE`,
		at, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}
