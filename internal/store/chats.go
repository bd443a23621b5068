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

const chatColumns = `id, tenant_id, channel, remote_identity, is_group, group_id, display_name,
	avatar_ref, status, unread_count, last_message_text, last_message_at,
	last_message_from_client, assigned_agent, created_at, updated_at`

// ChatRepo is the sqlx-backed ingest.ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// GetOrCreate looks the chat up by its unique key and inserts it when absent.
// A concurrent first-contact delivery may win the insert; the uniqueness
// conflict is swallowed and the winner's row re-selected, so racing calls
// always converge on one row.
func (r *ChatRepo) GetOrCreate(ctx context.Context, key ingest.ChatKey, seed ingest.SeedProfile) (models.Chat, bool, error) {
	chat, err := r.find(ctx, key)
	if err == nil {
		return chat, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, fmt.Errorf("select chat: %w", err)
	}

	now := time.Now().UTC()
	groupID := sql.NullString{String: key.GroupID, Valid: key.GroupID != ""}
	avatar := sql.NullString{String: seed.AvatarRef, Valid: seed.AvatarRef != ""}
	q := r.db.Rebind(`INSERT INTO chats
		(tenant_id, channel, remote_identity, is_group, group_id, display_name, avatar_ref,
		 status, unread_count, last_message_from_client, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'new', 0, FALSE, ?, ?)
		ON CONFLICT DO NOTHING
		RETURNING id`)

	var id int64
	err = r.db.GetContext(ctx, &id, q,
		key.TenantID, string(key.Channel), key.RemoteIdentity, key.IsGroup, groupID,
		seed.DisplayName, avatar, now, now)
	if err == nil {
		chat, err = r.byID(ctx, id)
		if err != nil {
			return models.Chat{}, false, err
		}
		return chat, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}

	// Lost the insert race; the winner's row exists now.
	chat, err = r.find(ctx, key)
	if err != nil {
		return models.Chat{}, false, fmt.Errorf("re-select chat after conflict: %w", err)
	}
	return chat, false, nil
}

func (r *ChatRepo) find(ctx context.Context, key ingest.ChatKey) (models.Chat, error) {
	var chat models.Chat
	var q string
	var args []interface{}
	if key.IsGroup {
		q = `SELECT ` + chatColumns + ` FROM chats WHERE tenant_id = ? AND channel = ? AND group_id = ? AND is_group = TRUE`
		args = []interface{}{key.TenantID, string(key.Channel), key.GroupID}
	} else {
		q = `SELECT ` + chatColumns + ` FROM chats WHERE tenant_id = ? AND channel = ? AND remote_identity = ? AND is_group = FALSE`
		args = []interface{}{key.TenantID, string(key.Channel), key.RemoteIdentity}
	}
	err := r.db.GetContext(ctx, &chat, r.db.Rebind(q), args...)
	return chat, err
}

func (r *ChatRepo) byID(ctx context.Context, id int64) (models.Chat, error) {
	var chat models.Chat
	q := r.db.Rebind(`SELECT ` + chatColumns + ` FROM chats WHERE id = ?`)
	if err := r.db.GetContext(ctx, &chat, q, id); err != nil {
		return models.Chat{}, fmt.Errorf("select chat %d: %w", id, err)
	}
	return chat, nil
}

// UpdateDisplayNameIfPlaceholder upgrades a chat whose name is still the bare
// remote identity (or empty). A previously set real name is left alone.
func (r *ChatRepo) UpdateDisplayNameIfPlaceholder(ctx context.Context, chatID int64, name string) error {
	q := r.db.Rebind(`UPDATE chats SET display_name = ?, updated_at = ?
		WHERE id = ? AND (display_name = '' OR display_name = remote_identity)`)
	_, err := r.db.ExecContext(ctx, q, name, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	return nil
}

// ApplyMessage refreshes the thread summary. Only client-originated messages
// bump the unread counter.
func (r *ChatRepo) ApplyMessage(ctx context.Context, chatID int64, text string, at time.Time, fromClient bool) error {
	var q string
	if fromClient {
		q = `UPDATE chats SET last_message_text = ?, last_message_at = ?, last_message_from_client = TRUE,
			unread_count = unread_count + 1, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE chats SET last_message_text = ?, last_message_at = ?, last_message_from_client = FALSE,
			updated_at = ? WHERE id = ?`
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), text, at, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("apply message to chat %d: %w", chatID, err)
	}
	return nil
}

func (r *ChatRepo) ResetUnread(ctx context.Context, chatID int64) error {
	q := r.db.Rebind(`UPDATE chats SET unread_count = 0, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, time.Now().UTC(), chatID); err != nil {
		return fmt.Errorf("reset unread for chat %d: %w", chatID, err)
	}
	return nil
}

func (r *ChatRepo) FindByIdentity(ctx context.Context, tenantID int64, channel ingest.Channel, identity string) (models.Chat, error) {
	chat, err := r.find(ctx, ingest.ChatKey{TenantID: tenantID, Channel: channel, RemoteIdentity: identity})
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ingest.ErrNotFound
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("find chat by identity: %w", err)
	}
	return chat, nil
}

func (r *ChatRepo) SetAvatar(ctx context.Context, chatID int64, ref string) error {
	q := r.db.Rebind(`UPDATE chats SET avatar_ref = ?, updated_at = ? WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, q, ref, time.Now().UTC(), chatID); err != nil {
		return fmt.Errorf("set avatar for chat %d: %w", chatID, err)
	}
	return nil
}
