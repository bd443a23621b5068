// Package bridge parses webhooks from the unofficial WhatsApp bridge.
//
// The bridge posts one event name plus one data object per delivery. Message
// payloads follow the WhatsApp wire shape: a key (remote JID, from-me flag,
// message id) and a per-type message union. Media bytes may arrive inline as
// base64; when they do not, the adapter emits a fetch descriptor so the media
// pipeline can call the bridge back for the download.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vincent-petithory/dataurl"

	"zapcrm/internal/ingest"
)

const (
	groupSuffix      = "@g.us"
	individualSuffix = "@s.whatsapp.net"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Channel() ingest.Channel { return ingest.ChannelBridge }

type payload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type messageData struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string       `json:"pushName"`
	Participant      string       `json:"participant"`
	MessageTimestamp int64        `json:"messageTimestamp"`
	Message          *messageBody `json:"message"`
}

type messageBody struct {
	Conversation        string           `json:"conversation"`
	ExtendedTextMessage *extendedText    `json:"extendedTextMessage"`
	ImageMessage        *mediaMessage    `json:"imageMessage"`
	VideoMessage        *mediaMessage    `json:"videoMessage"`
	AudioMessage        *mediaMessage    `json:"audioMessage"`
	DocumentMessage     *documentMessage `json:"documentMessage"`
	StickerMessage      *mediaMessage    `json:"stickerMessage"`
	LocationMessage     *locationMessage `json:"locationMessage"`
	ContactMessage      *contactMessage  `json:"contactMessage"`
	Base64              string           `json:"base64"`
}

type extendedText struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
}

type documentMessage struct {
	Mimetype string `json:"mimetype"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption"`
}

type locationMessage struct {
	DegreesLatitude  float64 `json:"degreesLatitude"`
	DegreesLongitude float64 `json:"degreesLongitude"`
	Name             string  `json:"name"`
}

type contactMessage struct {
	DisplayName string `json:"displayName"`
	Vcard       string `json:"vcard"`
}

type qrData struct {
	QRCode struct {
		Code   string `json:"code"`
		Base64 string `json:"base64"`
	} `json:"qrcode"`
}

type connectionData struct {
	State string `json:"state"`
}

// Parse maps one bridge delivery to canonical events. Unrecognized event
// names produce no events and no error.
func (a *Adapter) Parse(body []byte) ([]ingest.InboundEvent, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode bridge payload: %w", err)
	}
	if p.Instance == "" {
		return nil, fmt.Errorf("bridge payload without instance")
	}

	switch p.Event {
	case "messages.upsert":
		return a.parseMessage(p)
	case "qrcode.updated":
		return a.parseQR(p)
	case "connection.update":
		return a.parseConnection(p)
	}

	log.Debug().Str("event", p.Event).Str("instance", p.Instance).Msg("Ignoring bridge event")
	return nil, nil
}

func (a *Adapter) parseMessage(p payload) ([]ingest.InboundEvent, error) {
	var d messageData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, fmt.Errorf("decode bridge message data: %w", err)
	}
	if d.Message == nil || d.Key.RemoteJID == "" {
		return nil, fmt.Errorf("bridge message without body or key")
	}

	isGroup := strings.HasSuffix(d.Key.RemoteJID, groupSuffix)
	identity := strings.TrimSuffix(d.Key.RemoteJID, individualSuffix)
	groupID := ""
	if isGroup {
		groupID = strings.TrimSuffix(d.Key.RemoteJID, groupSuffix)
		identity = groupID
	}

	ev := ingest.MessageEvent{
		RemoteID:       d.Key.ID,
		RemoteIdentity: identity,
		GroupID:        groupID,
		IsGroup:        isGroup,
		FromMe:         d.Key.FromMe,
		SenderName:     d.PushName,
		Timestamp:      time.Unix(d.MessageTimestamp, 0).UTC(),
	}

	m := d.Message
	switch {
	case m.Conversation != "":
		ev.Type = ingest.TypeText
		ev.Text = m.Conversation
	case m.ExtendedTextMessage != nil:
		ev.Type = ingest.TypeText
		ev.Text = m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		ev.Type = ingest.TypeImage
		ev.Text = m.ImageMessage.Caption
		ev.Media = mediaSource(m.ImageMessage.Mimetype, "", m.Base64, d.Key.ID, p.Instance)
	case m.VideoMessage != nil:
		ev.Type = ingest.TypeVideo
		ev.Text = m.VideoMessage.Caption
		ev.Media = mediaSource(m.VideoMessage.Mimetype, "", m.Base64, d.Key.ID, p.Instance)
	case m.AudioMessage != nil:
		ev.Type = ingest.TypeAudio
		ev.Media = mediaSource(m.AudioMessage.Mimetype, "", m.Base64, d.Key.ID, p.Instance)
	case m.DocumentMessage != nil:
		ev.Type = ingest.TypeDocument
		ev.Text = m.DocumentMessage.Caption
		ev.Media = mediaSource(m.DocumentMessage.Mimetype, m.DocumentMessage.FileName, m.Base64, d.Key.ID, p.Instance)
	case m.StickerMessage != nil:
		ev.Type = ingest.TypeSticker
		ev.Media = mediaSource(m.StickerMessage.Mimetype, "", m.Base64, d.Key.ID, p.Instance)
	case m.LocationMessage != nil:
		ev.Type = ingest.TypeLocation
		ev.Text = formatLocation(m.LocationMessage)
	case m.ContactMessage != nil:
		ev.Type = ingest.TypeContact
		ev.Text = m.ContactMessage.DisplayName
	default:
		log.Debug().Str("instance", p.Instance).Msg("Bridge message type not supported, skipping")
		return nil, nil
	}

	return []ingest.InboundEvent{{
		Kind:        ingest.KindMessage,
		Channel:     ingest.ChannelBridge,
		ProviderKey: p.Instance,
		Message:     &ev,
	}}, nil
}

func (a *Adapter) parseQR(p payload) ([]ingest.InboundEvent, error) {
	var d qrData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, fmt.Errorf("decode bridge qr data: %w", err)
	}
	qr := ingest.QREvent{Code: d.QRCode.Code}
	if d.QRCode.Base64 != "" {
		qr.InlinePNG = decodeInline(d.QRCode.Base64)
	}
	return []ingest.InboundEvent{{
		Kind:        ingest.KindQR,
		Channel:     ingest.ChannelBridge,
		ProviderKey: p.Instance,
		QR:          &qr,
	}}, nil
}

func (a *Adapter) parseConnection(p payload) ([]ingest.InboundEvent, error) {
	var d connectionData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, fmt.Errorf("decode bridge connection data: %w", err)
	}
	return []ingest.InboundEvent{{
		Kind:        ingest.KindConnection,
		Channel:     ingest.ChannelBridge,
		ProviderKey: p.Instance,
		Connection: &ingest.ConnectionEvent{
			State:     d.State,
			Connected: d.State == "open",
		},
	}}, nil
}

// mediaSource prefers inline bytes; when the bridge withholds them it emits a
// descriptor for the follow-up download call instead of dropping the media.
func mediaSource(mime, filename, inline, messageID, instance string) *ingest.MediaSource {
	src := &ingest.MediaSource{Mime: mime, Filename: filename}
	if inline != "" {
		if data := decodeInline(inline); data != nil {
			src.Inline = data
			return src
		}
	}
	src.Fetch = &ingest.FetchRef{BridgeMessageID: messageID, BridgeInstance: instance}
	return src
}

// decodeInline accepts both data: URLs and bare base64.
func decodeInline(s string) []byte {
	if strings.HasPrefix(s, "data:") {
		du, err := dataurl.DecodeString(s)
		if err != nil {
			log.Warn().Err(err).Msg("Invalid data URL in bridge payload")
			return nil
		}
		return du.Data
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid base64 in bridge payload")
		return nil
	}
	return data
}

func formatLocation(l *locationMessage) string {
	if l.Name != "" {
		return fmt.Sprintf("%s (%f, %f)", l.Name, l.DegreesLatitude, l.DegreesLongitude)
	}
	return fmt.Sprintf("%f, %f", l.DegreesLatitude, l.DegreesLongitude)
}
