// Package cloudapi parses webhooks from the official WhatsApp Business Cloud
// API. One delivery may carry messages and delivery statuses at the same time;
// both are emitted, tagged with the phone-number id used for tenant lookup.
// Media never arrives inline: every media message carries a provider media id
// that requires the authenticated two-step fetch (metadata, then download).
package cloudapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"zapcrm/internal/ingest"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Channel() ingest.Channel { return ingest.ChannelCloud }

type payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string `json:"field"`
	Value value  `json:"value"`
}

type value struct {
	MessagingProduct string         `json:"messaging_product"`
	Metadata         metadata       `json:"metadata"`
	Contacts         []contact      `json:"contacts,omitempty"`
	Messages         []message      `json:"messages,omitempty"`
	Statuses         []statusUpdate `json:"statuses,omitempty"`
}

type metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *text     `json:"text,omitempty"`
	Image     *media    `json:"image,omitempty"`
	Video     *media    `json:"video,omitempty"`
	Audio     *media    `json:"audio,omitempty"`
	Sticker   *media    `json:"sticker,omitempty"`
	Document  *document `json:"document,omitempty"`
	Location  *location `json:"location,omitempty"`
	Contacts  []vcard   `json:"contacts,omitempty"`
}

type text struct {
	Body string `json:"body"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Sha256   string `json:"sha256"`
}

type document struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type vcard struct {
	Name struct {
		FormattedName string `json:"formatted_name"`
	} `json:"name"`
}

type statusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// Parse walks entry[].changes[].value and emits one canonical event per
// message and per status update found.
func (a *Adapter) Parse(body []byte) ([]ingest.InboundEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode cloud api payload: %w", err)
	}

	var events []ingest.InboundEvent
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != "messages" {
				continue
			}
			v := c.Value
			if v.Metadata.PhoneNumberID == "" {
				log.Warn().Str("entry", e.ID).Msg("Cloud API change without phone-number id, skipping")
				continue
			}
			for _, m := range v.Messages {
				ev, ok := convertMessage(m, v.Contacts)
				if !ok {
					continue
				}
				events = append(events, ingest.InboundEvent{
					Kind:        ingest.KindMessage,
					Channel:     ingest.ChannelCloud,
					ProviderKey: v.Metadata.PhoneNumberID,
					Message:     &ev,
				})
			}
			for _, st := range v.Statuses {
				status, ok := mapStatus(st.Status)
				if !ok {
					log.Debug().
						Str("status", st.Status).
						Str("messageID", st.ID).
						Msg("Cloud API status not recognized, skipping")
					continue
				}
				events = append(events, ingest.InboundEvent{
					Kind:        ingest.KindStatus,
					Channel:     ingest.ChannelCloud,
					ProviderKey: v.Metadata.PhoneNumberID,
					Status: &ingest.StatusEvent{
						RemoteID:       st.ID,
						RemoteIdentity: st.RecipientID,
						Status:         status,
						Watermark:      parseEpoch(st.Timestamp),
					},
				})
			}
		}
	}
	return events, nil
}

func convertMessage(m message, contacts []contact) (ingest.MessageEvent, bool) {
	ev := ingest.MessageEvent{
		RemoteID:       m.ID,
		RemoteIdentity: m.From,
		SenderName:     contactName(contacts, m.From),
		Timestamp:      parseEpoch(m.Timestamp),
	}

	switch m.Type {
	case "text":
		ev.Type = ingest.TypeText
		if m.Text != nil {
			ev.Text = m.Text.Body
		}
	case "image":
		ev.Type = ingest.TypeImage
		ev.Text, ev.Media = fromMedia(m.Image)
	case "video":
		ev.Type = ingest.TypeVideo
		ev.Text, ev.Media = fromMedia(m.Video)
	case "audio":
		ev.Type = ingest.TypeAudio
		ev.Text, ev.Media = fromMedia(m.Audio)
	case "sticker":
		ev.Type = ingest.TypeSticker
		ev.Text, ev.Media = fromMedia(m.Sticker)
	case "document":
		ev.Type = ingest.TypeDocument
		if m.Document != nil {
			ev.Text = m.Document.Caption
			ev.Media = &ingest.MediaSource{
				Mime:     m.Document.MimeType,
				Filename: m.Document.Filename,
				Fetch:    &ingest.FetchRef{GraphMediaID: m.Document.ID},
			}
		}
	case "location":
		ev.Type = ingest.TypeLocation
		if m.Location != nil {
			ev.Text = formatLocation(m.Location)
		}
	case "contacts":
		ev.Type = ingest.TypeContact
		if len(m.Contacts) > 0 {
			ev.Text = m.Contacts[0].Name.FormattedName
		}
	default:
		log.Debug().Str("type", m.Type).Str("messageID", m.ID).Msg("Cloud API message type not supported, skipping")
		return ev, false
	}
	return ev, true
}

func fromMedia(m *media) (string, *ingest.MediaSource) {
	if m == nil {
		return "", nil
	}
	return m.Caption, &ingest.MediaSource{
		Mime:  m.MimeType,
		Fetch: &ingest.FetchRef{GraphMediaID: m.ID},
	}
}

func contactName(contacts []contact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	if len(contacts) == 1 {
		return contacts[0].Profile.Name
	}
	return ""
}

func mapStatus(s string) (ingest.DeliveryStatus, bool) {
	switch s {
	case "sent":
		return ingest.StatusSent, true
	case "delivered":
		return ingest.StatusDelivered, true
	case "read":
		return ingest.StatusRead, true
	case "failed":
		return ingest.StatusFailed, true
	}
	return "", false
}

func parseEpoch(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func formatLocation(l *location) string {
	if l.Name != "" {
		return fmt.Sprintf("%s (%f, %f)", l.Name, l.Latitude, l.Longitude)
	}
	return fmt.Sprintf("%f, %f", l.Latitude, l.Longitude)
}
