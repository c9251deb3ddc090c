package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"studycoach-backend/internal/models"
)

// ChatHistoryRepo is the durable half of the chat history store. Rows are
// keyed by identity (authenticated user id or anonymous session id) so a
// returning visitor sees prior turns after a reload.
type ChatHistoryRepo struct {
	pool *pgxpool.Pool
}

func NewChatHistoryRepo(pool *pgxpool.Pool) *ChatHistoryRepo {
	return &ChatHistoryRepo{pool: pool}
}

// Insert is idempotent on message id so a requeued persist job never
// duplicates a turn.
func (r *ChatHistoryRepo) Insert(ctx context.Context, identity uuid.UUID, m models.ChatMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, identity, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, m.ID, identity, m.Role, m.Content, m.Timestamp)
	return err
}

func (r *ChatHistoryRepo) ListByIdentity(ctx context.Context, identity uuid.UUID) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, role, content, created_at
		FROM chat_messages
		WHERE identity = $1
		ORDER BY created_at, seq
	`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (r *ChatHistoryRepo) DeleteByIdentity(ctx context.Context, identity uuid.UUID) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM chat_messages WHERE identity = $1", identity)
	return err
}
