package ingest

import (
	"context"
	"errors"
	"time"

	"zapcrm/internal/models"
)

// ErrNotFound is returned by repositories when no row matches a lookup.
var ErrNotFound = errors.New("not found")

// Adapter parses one provider's webhook body into canonical events. Adapters
// are pure: no I/O beyond reading the payload.
type Adapter interface {
	Channel() Channel
	Parse(body []byte) ([]InboundEvent, error)
}

// ChatKey is the unique identity of a chat thread. Non-group chats are keyed
// by (tenant, channel, remote identity); group chats additionally by GroupID.
type ChatKey struct {
	TenantID       int64
	Channel        Channel
	RemoteIdentity string
	IsGroup        bool
	GroupID        string
}

// SeedProfile carries the initial profile used when a first-contact event
// creates a chat.
type SeedProfile struct {
	DisplayName string
	AvatarRef   string
}

// ChatRepository finds and mutates chat threads. GetOrCreate must be safe
// under concurrent first-contact deliveries: two racing calls for the same
// key converge on one row.
type ChatRepository interface {
	GetOrCreate(ctx context.Context, key ChatKey, seed SeedProfile) (models.Chat, bool, error)
	UpdateDisplayNameIfPlaceholder(ctx context.Context, chatID int64, name string) error
	ApplyMessage(ctx context.Context, chatID int64, text string, at time.Time, fromClient bool) error
	ResetUnread(ctx context.Context, chatID int64) error
	FindByIdentity(ctx context.Context, tenantID int64, channel Channel, identity string) (models.Chat, error)
	SetAvatar(ctx context.Context, chatID int64, ref string) error
}

// MessageRepository persists canonical messages. Store is idempotent on
// (chat_id, remote_message_id): a duplicate delivery returns the existing id
// with created == false.
type MessageRepository interface {
	Store(ctx context.Context, msg *models.Message) (int64, bool, error)
	SetDeliveryStatus(ctx context.Context, remoteID string, status DeliveryStatus) (models.Message, error)
	MarkOutboundReadBefore(ctx context.Context, chatID int64, until time.Time) (int64, error)
}

// BindingLookup resolves provider-side identifiers to tenants and credentials.
type BindingLookup interface {
	FindByProviderKey(ctx context.Context, channel Channel, key string) (models.ChannelBinding, error)
	SetConnected(ctx context.Context, bindingID int64, connected bool) error
	SetQRAsset(ctx context.Context, bindingID int64, ref string) error
}

// MediaPipeline materializes media references into durable object storage.
// Materialize returns an empty ref (and nil error) when the fetch or decode
// fails; only a storage outage is an error.
type MediaPipeline interface {
	Materialize(ctx context.Context, tenantID, chatID int64, src *MediaSource, kind MessageType, accessToken string) (string, error)
	StoreAvatar(ctx context.Context, tenantID int64, url string, refresh bool) (string, error)
	StorePairingQR(ctx context.Context, tenantID int64, code string, png []byte) (string, error)
}

// Publisher delivers realtime chat-activity notifications. Implementations
// must tolerate failure; the ingestion path treats publishing as best-effort.
type Publisher interface {
	PublishActivity(ctx context.Context, activity ChatActivity) error
}
