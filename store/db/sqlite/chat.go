package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/kayano/streamchat/store"
)

func (d *DB) CreateChat(ctx context.Context, create *store.Chat) (*store.Chat, error) {
	if create.ID == "" {
		create.ID = shortuuid.New()
	}
	if create.Status == "" {
		create.Status = store.ChatStatusActive
	}
	now := time.Now().UnixMilli()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	if create.UpdatedTs == 0 {
		create.UpdatedTs = now
	}

	metadataJSON, err := marshalMetadata(create.Metadata)
	if err != nil {
		return nil, err
	}

	stmt := `
		INSERT INTO chat (id, user_id, title, status, metadata, stream_id, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID,
		create.UserID,
		create.Title,
		string(create.Status),
		metadataJSON,
		create.StreamID,
		create.CreatedTs,
		create.UpdatedTs,
	); err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return create, nil
}

func (d *DB) GetChat(ctx context.Context, find *store.FindChat) (*store.Chat, error) {
	where, args := buildChatFilter(find)

	query := `
		SELECT id, user_id, title, status, metadata, stream_id, created_ts, updated_ts
		FROM chat
		WHERE ` + strings.Join(where, " AND ") + `
		LIMIT 1`

	chat, err := scanChat(d.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			// Absence and ownership mismatch read the same to callers.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return chat, nil
}

func (d *DB) ListChats(ctx context.Context, find *store.FindChat) ([]*store.Chat, error) {
	where, args := buildChatFilter(find)

	// LEFT JOIN a per-chat count to avoid an N+1 query.
	query := `
		SELECT c.id, c.user_id, c.title, c.status, c.metadata, c.stream_id, c.created_ts, c.updated_ts,
			COALESCE(cnt.n, 0)
		FROM chat c
		LEFT JOIN (SELECT chat_id, COUNT(*) AS n FROM message GROUP BY chat_id) cnt ON cnt.chat_id = c.id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.updated_ts DESC`
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
		if find.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", find.Offset)
		}
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Chat, 0)
	for rows.Next() {
		chat := &store.Chat{}
		var metadataJSON string
		var streamID sql.NullString
		if err := rows.Scan(
			&chat.ID,
			&chat.UserID,
			&chat.Title,
			&chat.Status,
			&metadataJSON,
			&streamID,
			&chat.CreatedTs,
			&chat.UpdatedTs,
			&chat.MessageCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &chat.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat metadata: %w", err)
		}
		if streamID.Valid {
			chat.StreamID = &streamID.String
		}
		list = append(list, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}

	if find.WithLastMessage && len(list) > 0 {
		if err := d.attachLastMessages(ctx, list); err != nil {
			return nil, err
		}
	}

	return list, nil
}

// attachLastMessages populates LastMessage for each chat in a single query.
func (d *DB) attachLastMessages(ctx context.Context, chats []*store.Chat) error {
	placeholdersList := make([]string, len(chats))
	args := make([]any, len(chats))
	byID := make(map[string]*store.Chat, len(chats))
	for i, chat := range chats {
		placeholdersList[i] = "?"
		args[i] = chat.ID
		byID[chat.ID] = chat
	}

	query := `
		SELECT m.id, m.chat_id, m.role, m.parts, m.metadata, m.sequence, m.state, m.created_ts, m.updated_ts
		FROM message m
		JOIN (
			SELECT chat_id, MAX(sequence) AS max_sequence
			FROM message
			WHERE chat_id IN (` + strings.Join(placeholdersList, ", ") + `)
			GROUP BY chat_id
		) latest ON latest.chat_id = m.chat_id AND latest.max_sequence = m.sequence`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load last messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return fmt.Errorf("failed to scan last message: %w", err)
		}
		if chat, ok := byID[message.ChatID]; ok {
			chat.LastMessage = message
		}
	}
	return rows.Err()
}

func (d *DB) UpdateChat(ctx context.Context, update *store.UpdateChat) (*store.Chat, error) {
	set, args := []string{}, []any{}

	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, string(*update.Status))
	}
	if update.Metadata != nil {
		metadataJSON, err := marshalMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "metadata = ?"), append(args, metadataJSON)
	}
	updatedTs := time.Now().UnixMilli()
	if update.UpdatedTs != nil {
		updatedTs = *update.UpdatedTs
	}
	set, args = append(set, "updated_ts = ?"), append(args, updatedTs)

	args = append(args, update.ID)
	stmt := `UPDATE chat SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("chat not found: %s", update.ID)
	}

	return d.GetChat(ctx, &store.FindChat{ID: &update.ID})
}

func (d *DB) UpdateChatStreamID(ctx context.Context, chatID string, streamID *string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE chat SET stream_id = ?, updated_ts = ? WHERE id = ?`,
		streamID, time.Now().UnixMilli(), chatID,
	)
	if err != nil {
		return fmt.Errorf("failed to update chat stream id: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat not found: %s", chatID)
	}
	return nil
}

func (d *DB) DeleteChat(ctx context.Context, delete *store.DeleteChat) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE chat_id = ?`, delete.ID); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM chat WHERE id = ?`, delete.ID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat not found: %s", delete.ID)
	}

	return tx.Commit()
}

func buildChatFilter(find *store.FindChat) ([]string, []any) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*store.Chat, error) {
	chat := &store.Chat{}
	var metadataJSON string
	var streamID sql.NullString
	if err := row.Scan(
		&chat.ID,
		&chat.UserID,
		&chat.Title,
		&chat.Status,
		&metadataJSON,
		&streamID,
		&chat.CreatedTs,
		&chat.UpdatedTs,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadataJSON), &chat.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chat metadata: %w", err)
	}
	if streamID.Valid {
		chat.StreamID = &streamID.String
	}
	return chat, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(raw), nil
}
