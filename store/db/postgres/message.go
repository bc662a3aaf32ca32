package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/kayano/streamchat/store"
)

// uniqueViolation is the PostgreSQL error code for unique constraint failures.
const uniqueViolation = "23505"

// sequenceRetries bounds the retry loop when two writers race on the same
// chat's next sequence. The UNIQUE(chat_id, sequence) constraint rejects the
// loser, which simply re-reads the max and tries again.
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

	stmt := `
		INSERT INTO message (id, chat_id, role, parts, metadata, sequence, state, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, (SELECT COALESCE(MAX(sequence), -1) + 1 FROM message WHERE chat_id = $2), $6, $7, $8)
		RETURNING sequence`

	var sequence int32
	for attempt := 0; ; attempt++ {
		err = d.db.QueryRowContext(ctx, stmt,
			create.ID,
			create.ChatID,
			string(create.Role),
			partsJSON,
			metadataJSON,
			string(create.State),
			now,
			now,
		).Scan(&sequence)
		if err == nil {
			break
		}
		var pqErr *pq.Error
		if attempt+1 < sequenceRetries && errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
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
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.ChatID != nil {
		where, args = append(where, "chat_id = "+placeholder(len(args)+1)), append(args, *find.ChatID)
	}
	if find.Role != nil {
		where, args = append(where, "role = "+placeholder(len(args)+1)), append(args, string(*find.Role))
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, string(*find.State))
	}

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
		WHERE id = $1`
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
		set, args = append(set, "parts = "+placeholder(len(args)+1)), append(args, partsJSON)
	}
	if update.Metadata != nil {
		metadataJSON, err := marshalMetadata(update.Metadata)
		if err != nil {
			return nil, err
		}
		set, args = append(set, "metadata = "+placeholder(len(args)+1)), append(args, metadataJSON)
	}
	if update.State != nil {
		set, args = append(set, "state = "+placeholder(len(args)+1)), append(args, string(*update.State))
	}
	if len(set) == 0 {
		return d.GetMessage(ctx, update.ID)
	}
	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, time.Now().UnixMilli())

	args = append(args, update.ID)
	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, chat_id, role, parts, metadata, sequence, state, created_ts, updated_ts`
	message, err := scanMessage(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message not found: %s", update.ID)
		}
		return nil, fmt.Errorf("failed to update message: %w", err)
	}

	return message, nil
}

func scanMessage(row rowScanner) (*store.Message, error) {
	message := &store.Message{}
	var partsJSON, metadataJSON []byte
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
	if err := json.Unmarshal(partsJSON, &message.Parts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message parts: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &message.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
	}
	return message, nil
}

func marshalParts(parts []store.Part) ([]byte, error) {
	if parts == nil {
		return []byte("[]"), nil
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parts: %w", err)
	}
	return raw, nil
}
