package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapcrm/internal/ingest"
)

type uploaded struct {
	key  string
	data []byte
	mime string
}

type memStore struct {
	mu      sync.Mutex
	objects []uploaded
	fail    bool
}

func (m *memStore) Upload(_ context.Context, key string, data []byte, mimeType string) error {
	if m.fail {
		return assert.AnError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = append(m.objects, uploaded{key: key, data: data, mime: mimeType})
	return nil
}

func (m *memStore) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func (m *memStore) last(t *testing.T) uploaded {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.objects)
	return m.objects[len(m.objects)-1]
}

func TestMaterializeInline(t *testing.T) {
	store := &memStore{}
	p := NewPipeline(store, "", "")

	src := &ingest.MediaSource{Inline: []byte("jpeg-bytes"), Mime: "image/jpeg"}
	ref, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeImage, "")
	require.NoError(t, err)

	obj := store.last(t)
	assert.Equal(t, "https://cdn.example.com/"+obj.key, ref)
	assert.True(t, strings.HasPrefix(obj.key, "tenants/42/chats/7/"))
	assert.True(t, strings.HasSuffix(obj.key, ".jpg"))
	assert.Equal(t, []byte("jpeg-bytes"), obj.data)
	assert.Equal(t, "image/jpeg", obj.mime)
}

func TestMaterializeStorageOutageIsError(t *testing.T) {
	p := NewPipeline(&memStore{fail: true}, "", "")

	src := &ingest.MediaSource{Inline: []byte("bytes"), Mime: "image/jpeg"}
	_, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeImage, "")
	assert.Error(t, err)
}

func TestMaterializeFetchFailureDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := &memStore{}
	p := NewPipeline(store, srv.URL, srv.URL)

	src := &ingest.MediaSource{Fetch: &ingest.FetchRef{URL: srv.URL + "/gone.jpg"}}
	ref, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeImage, "")
	require.NoError(t, err, "an unobtainable download is not a pipeline error")
	assert.Empty(t, ref)
	assert.Empty(t, store.objects)
}

func TestMaterializeBridgeFetch(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("video-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/getBase64FromMediaMessage/loja-centro", r.URL.Path)
		assert.Equal(t, "bridge-key", r.Header.Get("apikey"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"base64": payload, "mimetype": "video/mp4"})
	}))
	defer srv.Close()

	store := &memStore{}
	p := NewPipeline(store, srv.URL, "")

	src := &ingest.MediaSource{Fetch: &ingest.FetchRef{BridgeMessageID: "VID1", BridgeInstance: "loja-centro"}}
	ref, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeVideo, "bridge-key")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	obj := store.last(t)
	assert.Equal(t, []byte("video-bytes"), obj.data)
	assert.Equal(t, "video/mp4", obj.mime)
	assert.True(t, strings.HasSuffix(obj.key, ".mp4"))
}

func TestMaterializeBridgeFetchWithoutContentTypeHeader(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("audio-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// No Content-Type header at all.
		w.Write([]byte(`{"base64": "` + payload + `", "mimetype": "audio/ogg"}`))
	}))
	defer srv.Close()

	store := &memStore{}
	p := NewPipeline(store, srv.URL, "")

	src := &ingest.MediaSource{Fetch: &ingest.FetchRef{BridgeMessageID: "AUD1", BridgeInstance: "loja-centro"}}
	ref, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeAudio, "bridge-key")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, []byte("audio-bytes"), store.last(t).data)
}

func TestMaterializeGraphTwoStep(t *testing.T) {
	var downloadURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer page-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/media-789":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"url": downloadURL, "mime_type": "image/jpeg"})
		case "/lookaside/blob":
			w.Write([]byte("image-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	downloadURL = srv.URL + "/lookaside/blob"

	store := &memStore{}
	p := NewPipeline(store, "", srv.URL)

	src := &ingest.MediaSource{Fetch: &ingest.FetchRef{GraphMediaID: "media-789"}}
	ref, err := p.Materialize(context.Background(), 42, 7, src, ingest.TypeImage, "page-token")
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, []byte("image-bytes"), store.last(t).data)
}

func TestStoreAvatarResizesToThumbnail(t *testing.T) {
	big := image.NewRGBA(image.Rect(0, 0, 640, 640))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, big, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	store := &memStore{}
	p := NewPipeline(store, "", "")

	ref, err := p.StoreAvatar(context.Background(), 42, srv.URL+"/avatar.jpg", false)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	obj := store.last(t)
	img, _, err := image.Decode(bytes.NewReader(obj.data))
	require.NoError(t, err)
	assert.Equal(t, 96, img.Bounds().Dx())
}

func TestStoreAvatarBadImageDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	store := &memStore{}
	p := NewPipeline(store, "", "")

	ref, err := p.StoreAvatar(context.Background(), 42, srv.URL, false)
	require.NoError(t, err)
	assert.Empty(t, ref)
}

func TestStorePairingQRRendersCode(t *testing.T) {
	store := &memStore{}
	p := NewPipeline(store, "", "")

	ref, err := p.StorePairingQR(context.Background(), 42, "2@abcdef", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/tenants/42/pairing-qr.png", ref)

	obj := store.last(t)
	assert.Equal(t, "image/png", obj.mime)
	assert.NotEmpty(t, obj.data)
}

func TestStorePairingQRPrefersProvidedPNG(t *testing.T) {
	store := &memStore{}
	p := NewPipeline(store, "", "")

	ref, err := p.StorePairingQR(context.Background(), 42, "", []byte("provider-png"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, []byte("provider-png"), store.last(t).data)
}

func TestStorePairingQREmptyEventIsNoop(t *testing.T) {
	store := &memStore{}
	p := NewPipeline(store, "", "")

	ref, err := p.StorePairingQR(context.Background(), 42, "", nil)
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Empty(t, store.objects)
}

func TestExtensionFor(t *testing.T) {
	for _, tc := range []struct {
		mime     string
		kind     ingest.MessageType
		filename string
		want     string
	}{
		{"image/jpeg", ingest.TypeImage, "", "jpg"},
		{"image/webp", ingest.TypeSticker, "", "webp"},
		{"audio/ogg; codecs=opus", ingest.TypeAudio, "", "ogg"},
		{"video/mp4", ingest.TypeVideo, "", "mp4"},
		{"application/pdf", ingest.TypeDocument, "", "pdf"},
		{"application/vnd.ms-excel", ingest.TypeDocument, "planilha.xls", "xls"},
		{"", ingest.TypeImage, "", "jpg"},
		{"", ingest.TypeVideo, "", "mp4"},
		{"", ingest.TypeAudio, "", "ogg"},
		{"", ingest.TypeDocument, "", "bin"},
	} {
		assert.Equal(t, tc.want, extensionFor(tc.mime, tc.kind, tc.filename), "%s/%s", tc.mime, tc.kind)
	}
}
