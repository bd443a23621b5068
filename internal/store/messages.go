package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"zapcrm/internal/ingest"
	"zapcrm/internal/models"
)

const messageColumns = `id, chat_id, remote_message_id, content, type, media_ref,
	is_from_client, delivery_status, created_at`

// MessageRepo is the sqlx-backed ingest.MessageRepository.
type MessageRepo struct {
	db *sqlx.DB
}

func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Store inserts the message once per (chat_id, remote_message_id). A retried
// webhook delivery hits the uniqueness conflict and gets the existing row's
// id back with created == false.
func (r *MessageRepo) Store(ctx context.Context, msg *models.Message) (int64, bool, error) {
	if !msg.RemoteMessageID.Valid {
		q := r.db.Rebind(`INSERT INTO messages
			(chat_id, remote_message_id, content, type, media_ref, is_from_client, delivery_status, created_at)
			VALUES (?, NULL, ?, ?, ?, ?, ?, ?) RETURNING id`)
		var id int64
		err := r.db.GetContext(ctx, &id, q,
			msg.ChatID, msg.Content, msg.Type, msg.MediaRef, msg.IsFromClient, msg.DeliveryStatus, msg.CreatedAt)
		if err != nil {
			return 0, false, fmt.Errorf("insert message: %w", err)
		}
		return id, true, nil
	}

	q := r.db.Rebind(`INSERT INTO messages
		(chat_id, remote_message_id, content, type, media_ref, is_from_client, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`)
	var id int64
	err := r.db.GetContext(ctx, &id, q,
		msg.ChatID, msg.RemoteMessageID, msg.Content, msg.Type, msg.MediaRef,
		msg.IsFromClient, msg.DeliveryStatus, msg.CreatedAt)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("insert message: %w", err)
	}

	sel := r.db.Rebind(`SELECT id FROM messages WHERE chat_id = ? AND remote_message_id = ?`)
	if err := r.db.GetContext(ctx, &id, sel, msg.ChatID, msg.RemoteMessageID); err != nil {
		return 0, false, fmt.Errorf("select duplicate message: %w", err)
	}
	return id, false, nil
}

// SetDeliveryStatus marks one outbound message and returns the updated row so
// the caller can cascade watermark semantics.
func (r *MessageRepo) SetDeliveryStatus(ctx context.Context, remoteID string, status ingest.DeliveryStatus) (models.Message, error) {
	q := r.db.Rebind(`UPDATE messages SET delivery_status = ?
		WHERE remote_message_id = ? AND is_from_client = FALSE
		RETURNING ` + messageColumns)
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, q, string(status), remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ingest.ErrNotFound
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("set delivery status: %w", err)
	}
	return msg, nil
}

// MarkOutboundReadBefore applies a read watermark: every outbound message in
// the chat created at or before the threshold becomes read.
func (r *MessageRepo) MarkOutboundReadBefore(ctx context.Context, chatID int64, until time.Time) (int64, error) {
	q := r.db.Rebind(`UPDATE messages SET delivery_status = 'read'
		WHERE chat_id = ? AND is_from_client = FALSE AND created_at <= ?
		AND (delivery_status IS NULL OR delivery_status <> 'read')`)
	res, err := r.db.ExecContext(ctx, q, chatID, until)
	if err != nil {
		return 0, fmt.Errorf("mark read before watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
