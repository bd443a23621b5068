package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zapcrm/internal/models"
)

// Service is the ingestion pipeline. Each webhook event flows through binding
// lookup, chat resolution, media materialization, idempotent persistence,
// chat-state bookkeeping and a best-effort realtime publish.
type Service struct {
	bindings BindingLookup
	chats    ChatRepository
	messages MessageRepository
	media    MediaPipeline
	notifier Publisher
}

// NewService wires the ingestion pipeline from its ports.
func NewService(bindings BindingLookup, chats ChatRepository, messages MessageRepository, media MediaPipeline, notifier Publisher) *Service {
	return &Service{
		bindings: bindings,
		chats:    chats,
		messages: messages,
		media:    media,
		notifier: notifier,
	}
}

// ProcessEvent handles one canonical event. A nil return means the event was
// durably accepted or deliberately discarded; a non-nil return means a
// downstream outage for which the provider should retry.
func (s *Service) ProcessEvent(ctx context.Context, ev InboundEvent) error {
	binding, err := s.bindings.FindByProviderKey(ctx, ev.Channel, ev.ProviderKey)
	if errors.Is(err, ErrNotFound) {
		log.Warn().
			Str("channel", string(ev.Channel)).
			Str("providerKey", ev.ProviderKey).
			Msg("No channel binding for provider key, dropping event")
		return nil
	}
	if err != nil {
		return fmt.Errorf("binding lookup: %w", err)
	}

	switch ev.Kind {
	case KindMessage:
		return s.handleMessage(ctx, binding, ev)
	case KindStatus:
		return s.handleStatus(ctx, binding, ev)
	case KindConnection:
		return s.handleConnection(ctx, binding, ev)
	case KindQR:
		return s.handleQR(ctx, binding, ev)
	}

	log.Warn().Str("kind", string(ev.Kind)).Msg("Unknown event kind, dropping")
	return nil
}

func (s *Service) handleMessage(ctx context.Context, binding models.ChannelBinding, ev InboundEvent) error {
	m := ev.Message

	seedName := m.SenderName
	if seedName == "" {
		seedName = m.RemoteIdentity
	}

	key := ChatKey{
		TenantID:       binding.TenantID,
		Channel:        ev.Channel,
		RemoteIdentity: m.RemoteIdentity,
		IsGroup:        m.IsGroup,
		GroupID:        m.GroupID,
	}
	chat, created, err := s.chats.GetOrCreate(ctx, key, SeedProfile{DisplayName: seedName})
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	// A placeholder name (the bare identity) is upgraded once a real one
	// shows up; a real name is never replaced by a placeholder.
	if !created && m.SenderName != "" && !m.FromMe {
		if err := s.chats.UpdateDisplayNameIfPlaceholder(ctx, chat.ID, m.SenderName); err != nil {
			log.Error().Err(err).Int64("chatID", chat.ID).Msg("Failed to upgrade chat display name")
		}
	}

	if created && m.SenderAvatar != "" {
		if ref, err := s.media.StoreAvatar(ctx, binding.TenantID, m.SenderAvatar, false); err != nil {
			log.Error().Err(err).Int64("chatID", chat.ID).Msg("Failed to store chat avatar")
		} else if ref != "" {
			if err := s.chats.SetAvatar(ctx, chat.ID, ref); err != nil {
				log.Error().Err(err).Int64("chatID", chat.ID).Msg("Failed to set chat avatar")
			}
		}
	}

	content := m.Text
	var mediaRef string
	if m.Media != nil {
		mediaRef, err = s.media.Materialize(ctx, binding.TenantID, chat.ID, m.Media, m.Type, binding.AccessToken)
		if err != nil {
			return fmt.Errorf("materialize media: %w", err)
		}
	}
	if content == "" && m.Type != TypeText {
		content = Placeholder(m.Type)
	}

	remoteID := m.RemoteID
	if remoteID == "" {
		remoteID = syntheticID(chat.ID, m.Timestamp, content)
	}

	at := m.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	msg := &models.Message{
		ChatID:          chat.ID,
		RemoteMessageID: sql.NullString{String: remoteID, Valid: true},
		Content:         content,
		Type:            string(m.Type),
		IsFromClient:    !m.FromMe,
		CreatedAt:       at,
	}
	if mediaRef != "" {
		msg.MediaRef = sql.NullString{String: mediaRef, Valid: true}
	}

	msgID, stored, err := s.messages.Store(ctx, msg)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !stored {
		// A retried delivery whose first attempt already updated the chat
		// summary is done. One that died between the message insert and the
		// chat update still owes the chat-state side effects, so fall
		// through and finish them now.
		if chat.LastMessageAt.Valid && !chat.LastMessageAt.Time.Before(at) {
			log.Debug().
				Int64("chatID", chat.ID).
				Str("remoteMessageID", remoteID).
				Int64("messageID", msgID).
				Msg("Duplicate delivery suppressed")
			return nil
		}
		log.Debug().
			Int64("chatID", chat.ID).
			Str("remoteMessageID", remoteID).
			Msg("Duplicate delivery with stale chat state, completing interrupted update")
	}

	if err := s.chats.ApplyMessage(ctx, chat.ID, content, at, !m.FromMe); err != nil {
		return fmt.Errorf("update chat state: %w", err)
	}
	if m.FromMe {
		// An agent-sent message observed as echo means the thread was read.
		if err := s.chats.ResetUnread(ctx, chat.ID); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
	}

	s.notify(ChatActivity{TenantID: binding.TenantID, ChatID: chat.ID, FromClient: !m.FromMe})

	log.Info().
		Str("channel", string(ev.Channel)).
		Int64("chatID", chat.ID).
		Int64("messageID", msgID).
		Str("type", string(m.Type)).
		Bool("fromClient", !m.FromMe).
		Msg("Inbound message stored")
	return nil
}

func (s *Service) handleStatus(ctx context.Context, binding models.ChannelBinding, ev InboundEvent) error {
	st := ev.Status

	if st.RemoteID == "" {
		// Watermark-only read receipt: everything outbound up to the
		// watermark in that conversation is read.
		if st.Status != StatusRead || st.Watermark.IsZero() {
			log.Warn().Str("status", string(st.Status)).Msg("Status event without message id, dropping")
			return nil
		}
		chat, err := s.chats.FindByIdentity(ctx, binding.TenantID, ev.Channel, st.RemoteIdentity)
		if errors.Is(err, ErrNotFound) {
			log.Warn().
				Str("remoteIdentity", st.RemoteIdentity).
				Msg("Read watermark for unknown chat, ignoring")
			return nil
		}
		if err != nil {
			return fmt.Errorf("find chat for watermark: %w", err)
		}
		n, err := s.messages.MarkOutboundReadBefore(ctx, chat.ID, st.Watermark)
		if err != nil {
			return fmt.Errorf("apply read watermark: %w", err)
		}
		log.Debug().Int64("chatID", chat.ID).Int64("updated", n).Msg("Read watermark applied")
		return nil
	}

	msg, err := s.messages.SetDeliveryStatus(ctx, st.RemoteID, st.Status)
	if errors.Is(err, ErrNotFound) {
		log.Warn().
			Str("remoteMessageID", st.RemoteID).
			Str("status", string(st.Status)).
			Msg("Status update for unknown message, ignoring")
		return nil
	}
	if err != nil {
		return fmt.Errorf("set delivery status: %w", err)
	}

	if st.Status == StatusRead {
		until := st.Watermark
		if until.IsZero() {
			until = msg.CreatedAt
		}
		if _, err := s.messages.MarkOutboundReadBefore(ctx, msg.ChatID, until); err != nil {
			return fmt.Errorf("cascade read status: %w", err)
		}
	}
	return nil
}

func (s *Service) handleConnection(ctx context.Context, binding models.ChannelBinding, ev InboundEvent) error {
	if err := s.bindings.SetConnected(ctx, binding.ID, ev.Connection.Connected); err != nil {
		return fmt.Errorf("update connection state: %w", err)
	}
	log.Info().
		Str("providerKey", ev.ProviderKey).
		Str("state", ev.Connection.State).
		Bool("connected", ev.Connection.Connected).
		Msg("Bridge connection state updated")
	return nil
}

func (s *Service) handleQR(ctx context.Context, binding models.ChannelBinding, ev InboundEvent) error {
	ref, err := s.media.StorePairingQR(ctx, binding.TenantID, ev.QR.Code, ev.QR.InlinePNG)
	if err != nil {
		log.Error().Err(err).Str("providerKey", ev.ProviderKey).Msg("Failed to store pairing QR")
		return nil
	}
	if ref == "" {
		return nil
	}
	if err := s.bindings.SetQRAsset(ctx, binding.ID, ref); err != nil {
		return fmt.Errorf("set qr asset: %w", err)
	}
	return nil
}

// notify publishes the activity without blocking the webhook response. A
// publish failure is logged, never surfaced.
func (s *Service) notify(activity ChatActivity) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.PublishActivity(ctx, activity); err != nil {
			log.Error().Err(err).
				Int64("chatID", activity.ChatID).
				Msg("Failed to publish chat activity")
		}
	}()
}

// syntheticID derives a stable dedup key for event subtypes the provider
// ships without a message id, so retried deliveries still collapse.
func syntheticID(chatID int64, at time.Time, content string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d|%d|%s", chatID, at.Unix(), content)))
	return "syn-" + hex.EncodeToString(h[:16])
}
