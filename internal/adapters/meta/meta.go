// Package meta parses webhooks from the Meta Messenger/Instagram messaging
// API (entry[].messaging[]). Echo events and events whose sender is the
// receiving page are the tenant's own outbound traffic and are discarded;
// delivery and read sub-events become status updates, not messages.
package meta

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"zapcrm/internal/ingest"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Channel() ingest.Channel { return ingest.ChannelMessenger }

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string      `json:"id"`
	Time      int64       `json:"time"`
	Messaging []messaging `json:"messaging"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64        `json:"timestamp"`
	Message   *metaMessage `json:"message,omitempty"`
	Delivery  *delivery    `json:"delivery,omitempty"`
	Read      *read        `json:"read,omitempty"`
}

type metaMessage struct {
	Mid         string       `json:"mid"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL         string `json:"url,omitempty"`
		Coordinates *struct {
			Lat  float64 `json:"lat"`
			Long float64 `json:"long"`
		} `json:"coordinates,omitempty"`
	} `json:"payload"`
}

type delivery struct {
	Mids      []string `json:"mids,omitempty"`
	Watermark int64    `json:"watermark"`
}

type read struct {
	Watermark int64 `json:"watermark"`
}

// Parse walks entry[].messaging[] and emits message and status events.
func (a *Adapter) Parse(body []byte) ([]ingest.InboundEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode meta payload: %w", err)
	}

	var events []ingest.InboundEvent
	for _, e := range p.Entry {
		for _, m := range e.Messaging {
			channel := resolveChannel(p.Object, m.Sender.ID)
			switch {
			case m.Message != nil:
				// Echoes and page-originated events are the tenant's own
				// sends surfacing back through the webhook.
				if m.Message.IsEcho || m.Sender.ID == e.ID {
					log.Debug().
						Str("entry", e.ID).
						Str("mid", m.Message.Mid).
						Msg("Discarding Meta echo event")
					continue
				}
				ev, ok := convertMessage(m)
				if !ok {
					continue
				}
				events = append(events, ingest.InboundEvent{
					Kind:        ingest.KindMessage,
					Channel:     channel,
					ProviderKey: e.ID,
					Message:     &ev,
				})
			case m.Delivery != nil:
				for _, mid := range m.Delivery.Mids {
					events = append(events, ingest.InboundEvent{
						Kind:        ingest.KindStatus,
						Channel:     channel,
						ProviderKey: e.ID,
						Status: &ingest.StatusEvent{
							RemoteID:       mid,
							RemoteIdentity: m.Sender.ID,
							Status:         ingest.StatusDelivered,
							Watermark:      time.UnixMilli(m.Delivery.Watermark).UTC(),
						},
					})
				}
			case m.Read != nil:
				events = append(events, ingest.InboundEvent{
					Kind:        ingest.KindStatus,
					Channel:     channel,
					ProviderKey: e.ID,
					Status: &ingest.StatusEvent{
						RemoteIdentity: m.Sender.ID,
						Status:         ingest.StatusRead,
						Watermark:      time.UnixMilli(m.Read.Watermark).UTC(),
					},
				})
			}
		}
	}
	return events, nil
}

func convertMessage(m messaging) (ingest.MessageEvent, bool) {
	ev := ingest.MessageEvent{
		RemoteID:       m.Message.Mid,
		RemoteIdentity: m.Sender.ID,
		Timestamp:      time.UnixMilli(m.Timestamp).UTC(),
	}

	if len(m.Message.Attachments) == 0 {
		if m.Message.Text == "" {
			return ev, false
		}
		ev.Type = ingest.TypeText
		ev.Text = m.Message.Text
		return ev, true
	}

	att := m.Message.Attachments[0]
	ev.Text = m.Message.Text
	switch att.Type {
	case "image":
		ev.Type = ingest.TypeImage
	case "video":
		ev.Type = ingest.TypeVideo
	case "audio":
		ev.Type = ingest.TypeAudio
	case "file":
		ev.Type = ingest.TypeDocument
	case "location":
		ev.Type = ingest.TypeLocation
		if c := att.Payload.Coordinates; c != nil && ev.Text == "" {
			ev.Text = fmt.Sprintf("%f, %f", c.Lat, c.Long)
		}
		return ev, true
	default:
		log.Debug().Str("type", att.Type).Str("mid", m.Message.Mid).Msg("Meta attachment type not supported, skipping")
		return ev, false
	}

	if att.Payload.URL != "" {
		ev.Media = &ingest.MediaSource{Fetch: &ingest.FetchRef{URL: att.Payload.URL}}
	}
	return ev, true
}

// resolveChannel tells Instagram apart from Facebook Messenger. The webhook
// object name is authoritative when present; otherwise fall back to the
// IG-scoped id prefix.
func resolveChannel(object, senderID string) ingest.Channel {
	if object == "instagram" {
		return ingest.ChannelInstagram
	}
	if object == "" && len(senderID) >= 16 && strings.HasPrefix(senderID, "17") {
		return ingest.ChannelInstagram
	}
	return ingest.ChannelMessenger
}
