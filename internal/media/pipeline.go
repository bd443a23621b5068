package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/mdp/qrterminal/v3"
	"github.com/nfnt/resize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"zapcrm/internal/ingest"
)

const avatarSize = 96

// ObjectStore is the durable asset sink the pipeline writes to.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) error
	PublicURL(key string) string
}

// Pipeline turns provider media references into durable object-storage
// assets. Fetch and decode failures degrade to an empty ref so the message
// itself is never lost; only a storage outage is an error.
type Pipeline struct {
	store         ObjectStore
	http          *resty.Client
	bridgeBaseURL string
	graphBaseURL  string
}

func NewPipeline(store ObjectStore, bridgeBaseURL, graphBaseURL string) *Pipeline {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &Pipeline{
		store:         store,
		http:          client,
		bridgeBaseURL: strings.TrimRight(bridgeBaseURL, "/"),
		graphBaseURL:  strings.TrimRight(graphBaseURL, "/"),
	}
}

// Materialize resolves the media bytes (inline or via the provider-specific
// fetch), uploads them and returns the public ref. An unobtainable download
// returns ("", nil) after logging; the caller falls back to a placeholder.
func (p *Pipeline) Materialize(ctx context.Context, tenantID, chatID int64, src *ingest.MediaSource, kind ingest.MessageType, accessToken string) (string, error) {
	data := src.Inline
	mimeType := src.Mime

	if len(data) == 0 {
		if src.Fetch == nil {
			return "", nil
		}
		var err error
		data, mimeType, err = p.fetch(ctx, src.Fetch, mimeType, accessToken)
		if err != nil {
			log.Warn().Err(err).
				Int64("chatID", chatID).
				Str("type", string(kind)).
				Msg("Media fetch failed, storing message without media")
			return "", nil
		}
	}
	if len(data) == 0 {
		return "", nil
	}

	key := assetKey(tenantID, chatID, kind, extensionFor(mimeType, kind, src.Filename))
	if err := p.store.Upload(ctx, key, data, mimeType); err != nil {
		return "", fmt.Errorf("store media: %w", err)
	}
	return p.store.PublicURL(key), nil
}

// StoreAvatar downloads a contact avatar, shrinks it to a thumbnail and
// uploads it under the tenant's avatar prefix. With refresh set the asset is
// written to a stable key so the previous avatar is replaced in place.
func (p *Pipeline) StoreAvatar(ctx context.Context, tenantID int64, url string, refresh bool) (string, error) {
	resp, err := p.http.R().SetContext(ctx).Get(url)
	if err != nil {
		log.Warn().Err(err).Msg("Avatar download failed, skipping")
		return "", nil
	}
	if resp.StatusCode() != 200 {
		log.Warn().Int("status", resp.StatusCode()).Msg("Avatar download failed, skipping")
		return "", nil
	}

	img, _, err := image.Decode(bytes.NewReader(resp.Body()))
	if err != nil {
		log.Warn().Err(err).Msg("Avatar image decode failed, skipping")
		return "", nil
	}

	thumb := resize.Resize(avatarSize, 0, img, resize.Lanczos3)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85}); err != nil {
		log.Warn().Err(err).Msg("Avatar thumbnail encode failed, skipping")
		return "", nil
	}

	key := fmt.Sprintf("tenants/%d/avatars/%s.jpg", tenantID, uuid.NewString())
	if refresh {
		key = fmt.Sprintf("tenants/%d/avatars/current.jpg", tenantID)
	}
	if err := p.store.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("store avatar: %w", err)
	}
	return p.store.PublicURL(key), nil
}

// StorePairingQR persists the current pairing QR for a bridge instance,
// rendering the raw code to PNG when the provider sent no image. Each update
// replaces the previous asset; only the latest code can be scanned anyway.
func (p *Pipeline) StorePairingQR(ctx context.Context, tenantID int64, code string, png []byte) (string, error) {
	if len(png) == 0 {
		if code == "" {
			return "", nil
		}
		var err error
		png, err = qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			log.Warn().Err(err).Msg("Pairing QR render failed, skipping")
			return "", nil
		}
	}

	if code != "" && zerolog.GlobalLevel() <= zerolog.DebugLevel {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
	}

	key := fmt.Sprintf("tenants/%d/pairing-qr.png", tenantID)
	if err := p.store.Upload(ctx, key, png, "image/png"); err != nil {
		return "", fmt.Errorf("store pairing qr: %w", err)
	}
	return p.store.PublicURL(key), nil
}

type bridgeMediaResponse struct {
	Base64   string `json:"base64"`
	Mimetype string `json:"mimetype"`
}

type graphMediaMetadata struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// fetch dispatches on the FetchRef variant. The returned mime type is the
// caller's hint unless the provider reported a better one.
func (p *Pipeline) fetch(ctx context.Context, ref *ingest.FetchRef, mimeHint, accessToken string) ([]byte, string, error) {
	switch {
	case ref.BridgeMessageID != "":
		return p.fetchFromBridge(ctx, ref.BridgeInstance, ref.BridgeMessageID, mimeHint, accessToken)
	case ref.GraphMediaID != "":
		return p.fetchFromGraph(ctx, ref.GraphMediaID, mimeHint, accessToken)
	case ref.URL != "":
		return p.fetchDirect(ctx, ref.URL, mimeHint)
	}
	return nil, "", fmt.Errorf("empty media fetch reference")
}

// fetchFromBridge asks the bridge to re-deliver the media bytes of a message
// as base64.
func (p *Pipeline) fetchFromBridge(ctx context.Context, instance, messageID, mimeHint, apiKey string) ([]byte, string, error) {
	var out bridgeMediaResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("apikey", apiKey).
		// Some bridge builds answer JSON without a content-type header.
		ForceContentType("application/json").
		SetBody(map[string]interface{}{
			"message": map[string]interface{}{
				"key": map[string]string{"id": messageID},
			},
			"convertToMp4": false,
		}).
		SetResult(&out).
		Post(fmt.Sprintf("%s/chat/getBase64FromMediaMessage/%s", p.bridgeBaseURL, instance))
	if err != nil {
		return nil, "", fmt.Errorf("bridge media call: %w", err)
	}
	if resp.StatusCode() != 200 || out.Base64 == "" {
		return nil, "", fmt.Errorf("bridge media call: status %d", resp.StatusCode())
	}

	data, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return nil, "", fmt.Errorf("bridge media decode: %w", err)
	}
	mimeType := out.Mimetype
	if mimeType == "" {
		mimeType = mimeHint
	}
	return data, mimeType, nil
}

// fetchFromGraph is the Cloud API two-step: resolve the media id to a
// short-lived URL, then download with the same bearer token.
func (p *Pipeline) fetchFromGraph(ctx context.Context, mediaID, mimeHint, accessToken string) ([]byte, string, error) {
	var meta graphMediaMetadata
	resp, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		ForceContentType("application/json").
		SetResult(&meta).
		Get(fmt.Sprintf("%s/%s", p.graphBaseURL, mediaID))
	if err != nil {
		return nil, "", fmt.Errorf("graph media metadata: %w", err)
	}
	if resp.StatusCode() != 200 || meta.URL == "" {
		return nil, "", fmt.Errorf("graph media metadata: status %d", resp.StatusCode())
	}

	download, err := p.http.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get(meta.URL)
	if err != nil {
		return nil, "", fmt.Errorf("graph media download: %w", err)
	}
	if download.StatusCode() != 200 {
		return nil, "", fmt.Errorf("graph media download: status %d", download.StatusCode())
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = mimeHint
	}
	return download.Body(), mimeType, nil
}

// fetchDirect downloads an unauthenticated short-lived attachment URL.
func (p *Pipeline) fetchDirect(ctx context.Context, url, mimeHint string) ([]byte, string, error) {
	resp, err := p.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, "", fmt.Errorf("media download: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", fmt.Errorf("media download: status %d", resp.StatusCode())
	}
	mimeType := resp.Header().Get("Content-Type")
	if mimeType == "" {
		mimeType = mimeHint
	}
	return resp.Body(), mimeType, nil
}

// assetKey builds a date-partitioned object key under the tenant prefix.
func assetKey(tenantID, chatID int64, kind ingest.MessageType, ext string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("tenants/%d/chats/%d/%s/%s/%s.%s",
		tenantID, chatID, now.Format("2006/01/02"), string(kind), uuid.NewString(), ext)
}

// extensionFor picks a file extension from the mime type, falling back to the
// original filename for documents and a per-kind default otherwise.
func extensionFor(mimeType string, kind ingest.MessageType, filename string) string {
	// Strip codec parameters like "audio/ogg; codecs=opus".
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "video/mp4":
		return "mp4"
	case "video/3gpp":
		return "3gp"
	case "audio/ogg":
		return "ogg"
	case "audio/mpeg":
		return "mp3"
	case "audio/mp4", "audio/m4a":
		return "m4a"
	case "audio/amr":
		return "amr"
	case "audio/wav", "audio/x-wav":
		return "wav"
	case "application/pdf":
		return "pdf"
	}

	if ext := strings.TrimPrefix(filepath.Ext(filename), "."); ext != "" {
		return ext
	}

	switch kind {
	case ingest.TypeImage:
		return "jpg"
	case ingest.TypeVideo:
		return "mp4"
	case ingest.TypeAudio:
		return "ogg"
	case ingest.TypeSticker:
		return "webp"
	}
	return "bin"
}
