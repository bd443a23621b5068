package models

import (
	"database/sql"
	"time"
)

// Chat is one conversation thread between a tenant and a remote contact or group.
type Chat struct {
	ID                    int64          `db:"id"`
	TenantID              int64          `db:"tenant_id"`
	Channel               string         `db:"channel"`
	RemoteIdentity        string         `db:"remote_identity"`
	IsGroup               bool           `db:"is_group"`
	GroupID               sql.NullString `db:"group_id"`
	DisplayName           string         `db:"display_name"`
	AvatarRef             sql.NullString `db:"avatar_ref"`
	Status                string         `db:"status"`
	UnreadCount           int            `db:"unread_count"`
	LastMessageText       sql.NullString `db:"last_message_text"`
	LastMessageAt         sql.NullTime   `db:"last_message_at"`
	LastMessageFromClient bool           `db:"last_message_from_client"`
	AssignedAgent         sql.NullString `db:"assigned_agent"`
	CreatedAt             time.Time      `db:"created_at"`
	UpdatedAt             time.Time      `db:"updated_at"`
}

// Message is one event in a chat thread. RemoteMessageID is the provider-issued
// id; rows holding one are unique per (chat_id, remote_message_id).
type Message struct {
	ID              int64          `db:"id"`
	ChatID          int64          `db:"chat_id"`
	RemoteMessageID sql.NullString `db:"remote_message_id"`
	Content         string         `db:"content"`
	Type            string         `db:"type"`
	MediaRef        sql.NullString `db:"media_ref"`
	IsFromClient    bool           `db:"is_from_client"`
	DeliveryStatus  sql.NullString `db:"delivery_status"`
	CreatedAt       time.Time      `db:"created_at"`
}

// ChannelBinding maps a provider-side identifier (bridge instance name, Cloud
// API phone-number id, Meta page or IG business id) to a tenant and the
// credential needed to call back into that provider. Owned by the integration
// collaborator; read-only here except for connection bookkeeping.
type ChannelBinding struct {
	ID           int64          `db:"id"`
	ProviderKey  string         `db:"provider_key"`
	Channel      string         `db:"channel"`
	TenantID     int64          `db:"tenant_id"`
	AccessToken  string         `db:"access_token"`
	InstanceName string         `db:"instance_name"`
	Connected    bool           `db:"connected"`
	QRAssetRef   sql.NullString `db:"qr_asset_ref"`
	UpdatedAt    time.Time      `db:"updated_at"`
}
