package ingest

import "time"

// Channel identifies the provider family a conversation lives on.
type Channel string

const (
	ChannelBridge    Channel = "bridge"
	ChannelCloud     Channel = "cloud"
	ChannelMessenger Channel = "messenger"
	ChannelInstagram Channel = "instagram"
)

// MessageType is the canonical content type of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
)

// Placeholder returns the text shown in place of non-text content when the
// media could not be materialized or the type carries no text of its own.
func Placeholder(t MessageType) string {
	switch t {
	case TypeImage:
		return "[Imagem]"
	case TypeVideo:
		return "[Vídeo]"
	case TypeAudio:
		return "[Áudio]"
	case TypeDocument:
		return "[Documento]"
	case TypeSticker:
		return "[Sticker]"
	case TypeLocation:
		return "[Localização]"
	case TypeContact:
		return "[Contato]"
	}
	return "[Mensagem]"
}

// EventKind discriminates the tagged variants of InboundEvent.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindStatus     EventKind = "status"
	KindConnection EventKind = "connection"
	KindQR         EventKind = "qr"
)

// DeliveryStatus is a provider-reported delivery state for an outbound message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// InboundEvent is the provider-agnostic representation of one webhook
// occurrence. Exactly one of Message, Status, Connection or QR is set,
// according to Kind. ProviderKey is the provider-side identifier used for
// channel-binding lookup (bridge instance name, Cloud API phone-number id,
// Meta page or IG business id).
type InboundEvent struct {
	Kind        EventKind
	Channel     Channel
	ProviderKey string

	Message    *MessageEvent
	Status     *StatusEvent
	Connection *ConnectionEvent
	QR         *QREvent
}

// MessageEvent is one inbound or echoed message.
type MessageEvent struct {
	RemoteID       string
	RemoteIdentity string
	GroupID        string
	IsGroup        bool
	FromMe         bool
	SenderName     string
	SenderAvatar   string
	Type           MessageType
	Text           string
	Timestamp      time.Time
	Media          *MediaSource
}

// MediaSource describes where the bytes of a media message live. Either
// Inline carries the decoded payload, or Fetch describes the follow-up call
// needed to obtain it.
type MediaSource struct {
	Inline   []byte
	Mime     string
	Filename string
	Fetch    *FetchRef
}

// FetchRef describes a deferred, possibly authenticated media download.
// Exactly one field is set.
type FetchRef struct {
	// BridgeMessageID requests a follow-up download call to the bridge for
	// a message whose payload arrived without inline bytes. BridgeInstance
	// names the bridge instance the call must target.
	BridgeMessageID string
	BridgeInstance  string
	// GraphMediaID requests the Cloud API two-step fetch: metadata lookup,
	// then authenticated byte download from the returned URL.
	GraphMediaID string
	// URL is a direct, short-lived download URL (Messenger attachments).
	URL string
}

// StatusEvent is a delivery receipt for a previously sent outbound message.
// RemoteID may be empty for watermark-style read receipts, which instead
// carry the conversation identity and a timestamp threshold.
type StatusEvent struct {
	RemoteID       string
	RemoteIdentity string
	Status         DeliveryStatus
	Watermark      time.Time
}

// ConnectionEvent reports a bridge connection-state change.
type ConnectionEvent struct {
	State     string
	Connected bool
}

// QREvent carries a bridge pairing code or pre-rendered QR image.
type QREvent struct {
	Code      string
	InlinePNG []byte
}

// ChatActivity is the lightweight realtime notification published after each
// accepted inbound message so connected clients refresh without polling.
type ChatActivity struct {
	TenantID   int64 `json:"tenant_id"`
	ChatID     int64 `json:"chat_id"`
	FromClient bool  `json:"from_client"`
}
