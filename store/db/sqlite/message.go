package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kayano/streamchat/store"
)

// sequenceRetries bounds the retry loop on sequence collisions. With a single
// SQLite connection collisions cannot actually occur, but the driver keeps the
// same contract as the postgres one.
const sequenceRetries = 3

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	if create.ID == "" {
		create.ID = uuid.NewString()
	}
	if create.State == "" {
		create.State = store.MessageStateComplete
	}

	partsJSON, err := marshalParts(create.Parts)
	if err != nil {
		return nil, err
	}
	metadataJSON, err := marshalMetadata(create.Metadata)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()

	// The sequence is assigned inside the INSERT itself so the read-max and
	// the write are a single atomic statement. The UNIQUE(chat_id, sequence)
	// constraint catches any collision; colliding writers retry.
	stmt := `
		INSERT INTO message (id, chat_id, role, parts, metadata, sequence, state, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(sequence), -1) + 1 FROM message WHERE chat_id = ?), ?, ?, ?)
		RETURNING sequence`

	var sequence int32
	for attempt := 0; ; attempt++ {
		err = d.db.QueryRowContext(ctx, stmt,
			create.ID,
			create.ChatID,
			string(create.Role),
			partsJSON,
			metadataJSON,
			create.ChatID,
			string(create.State),
			now,
			now,
		).Scan(&sequence)
		if err == nil {
			break
		}
		if attempt+1 < sequenceRetries && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			continue
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return &store.Message{
		ID:        create.ID,
		ChatID:    create.ChatID,
		Role:      create.Role,
		Parts:     create.Parts,
		Metadata:  create.Metadata,
		Sequence:  sequence,
		State:     create.State,
		CreatedTs: now,
		UpdatedTs: now,
	}, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.ChatID != nil {
		where, args = append(where, "chat_id = ?"), append(args, *find.ChatID)
	}
	if find.Role != nil {
		where, args = append(where, "role = ?"), append(args, string(*find.Role))
	}
	if find.State != nil {
		where, args = append(where, "state = ?"), append(args, string(*find.State))
	}

	// Visibility order is defined by sequence, never by insertion time.
	query := `
		SELECT id, chat_id, role, parts, metadata, sequence, state, created_ts, updated_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY sequence ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		list = append(list, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return list, nil
}

func (d *DB) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	query := `
		SELECT id, chat_id, role, parts, metadata, sequence, state, created_ts, updated_ts
		FROM message
		WHERE id = ?`
	message, err := scanMessage(d.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return message, nil
}

func (d *DB) UpdateMessage(ctx context.Context, update *store.UpdateMessage) (*store.Message, error) {
	set, args := []string{}, []any{}

	if update.Parts != nil {
		partsJSON, err := marshalParts(*update.Parts)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "parts = ?"), append(args, partsJSON)
	}
	if update.Metadata != nil {
		metadataJSON, err := marshalMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "metadata = ?"), append(args, metadataJSON)
	}
	if update.State != nil {
		set, args = append(set, "state = ?"), append(args, string(*update.State))
	}
	if len(set) == 0 {
		return d.GetMessage(ctx, update.ID)
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().UnixMilli())

	args = append(args, update.ID)
	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, fmt.Errorf("message not found: %s", update.ID)
	}

	return d.GetMessage(ctx, update.ID)
}

func scanMessage(row rowScanner) (*store.Message, error) {
	message := &store.Message{}
	var partsJSON, metadataJSON string
	if err := row.Scan(
		&message.ID,
		&message.ChatID,
		&message.Role,
		&partsJSON,
		&metadataJSON,
		&message.Sequence,
		&message.State,
		&message.CreatedTs,
		&message.UpdatedTs,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(partsJSON), &message.Parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message parts: %w", err)
	}
	if err := json.Unmarshal([]byte(metadataJSON), &message.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
	}
	return message, nil
}

func marshalParts(parts []store.Part) (string, error) {
	if parts == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parts: %w", err)
	}
	return string(raw), nil
}
