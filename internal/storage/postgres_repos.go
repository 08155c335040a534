package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/Avicted/courier/internal/message"
	"github.com/Avicted/courier/internal/user"
)

const messageColumns = `id, sender_id, receiver_id, body, attachment, attachment_kind, created_at, hidden_for, delete_intent, tombstoned`

type messageRepo struct {
	db  *sql.DB
	now func() time.Time
}

func newMessageRepo(db *sql.DB) *messageRepo {
	return &messageRepo{db: db, now: time.Now}
}

func (r *messageRepo) Append(ctx context.Context, msg message.Message) (message.ID, error) {
	if msg.ID == "" || !msg.Sender.Valid() || !msg.Receiver.Valid() {
		return "", fmt.Errorf("message id, sender, and receiver are required")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	createdAt := msg.CreatedAt.UTC().Truncate(time.Microsecond)

	var attachment []byte
	var kind sql.NullString
	if msg.Attachment != nil {
		attachment = msg.Attachment.Data
		kind = sql.NullString{String: string(msg.Attachment.Kind), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO direct_messages (id, sender_id, receiver_id, body, attachment, attachment_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.Sender, msg.Receiver, msg.Body, attachment, kind, createdAt)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return msg.ID, nil
}

func (r *messageRepo) Get(ctx context.Context, id message.ID) (message.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM direct_messages WHERE id = $1`, id)
	msg, err := scanMessage(pgtype.NewMap(), row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, ErrNotFound
		}
		return message.Message{}, fmt.Errorf("select message: %w", err)
	}
	return msg, nil
}

func (r *messageRepo) History(ctx context.Context, userA, userB, viewer user.ID) ([]message.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+messageColumns+`
		FROM direct_messages
		WHERE LEAST(sender_id, receiver_id) = LEAST($1::text, $2::text)
			AND GREATEST(sender_id, receiver_id) = GREATEST($1::text, $2::text)
			AND NOT ($3::text = ANY(hidden_for))
		ORDER BY created_at ASC, seq ASC`, userA, userB, viewer)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	types := pgtype.NewMap()
	var msgs []message.Message
	for rows.Next() {
		msg, err := scanMessage(types, rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Update locks the row for the duration of fn so concurrent hide and
// delete requests never interleave their writes.
func (r *messageRepo) Update(ctx context.Context, id message.ID, fn func(*message.Message) error) (message.Message, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return message.Message{}, fmt.Errorf("begin update: %w", err)
	}

	current, err := scanMessage(pgtype.NewMap(), tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM direct_messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return message.Message{}, ErrNotFound
		}
		return message.Message{}, fmt.Errorf("select message for update: %w", err)
	}

	next := current.Clone()
	if err := fn(&next); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, message.ErrNoChange) {
			return current, nil
		}
		return message.Message{}, err
	}
	if current.Tombstoned {
		_ = tx.Rollback()
		return current, nil
	}

	var attachment []byte
	var kind sql.NullString
	if next.Attachment != nil {
		attachment = next.Attachment.Data
		kind = sql.NullString{String: string(next.Attachment.Kind), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `UPDATE direct_messages
		SET body = $2, attachment = $3, attachment_kind = $4, hidden_for = $5, delete_intent = $6, tombstoned = $7
		WHERE id = $1`,
		id, next.Body, attachment, kind, userStrings(next.HiddenFor), userStrings(next.DeleteIntent), next.Tombstoned)
	if err != nil {
		_ = tx.Rollback()
		return message.Message{}, fmt.Errorf("update message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return message.Message{}, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads one row. types is not safe for concurrent use.
func scanMessage(types *pgtype.Map, row rowScanner) (message.Message, error) {
	var msg message.Message
	var attachment []byte
	var kind sql.NullString
	var hiddenFor, deleteIntent []string
	if err := row.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Body, &attachment, &kind, &msg.CreatedAt,
		types.SQLScanner(&hiddenFor), types.SQLScanner(&deleteIntent), &msg.Tombstoned); err != nil {
		return message.Message{}, err
	}
	if kind.Valid {
		msg.Attachment = &message.Attachment{Data: attachment, Kind: message.MediaKind(kind.String)}
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.HiddenFor = userIDs(hiddenFor)
	msg.DeleteIntent = userIDs(deleteIntent)
	return msg, nil
}

func userStrings(ids []user.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func userIDs(values []string) []user.ID {
	if len(values) == 0 {
		return nil
	}
	out := make([]user.ID, len(values))
	for i, v := range values {
		out[i] = user.ID(v)
	}
	return out
}
