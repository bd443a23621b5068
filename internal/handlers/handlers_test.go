package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapcrm/internal/ingest"
	"zapcrm/internal/models"
	"zapcrm/internal/realtime"
)

type stubAdapter struct {
	channel ingest.Channel
	events  []ingest.InboundEvent
	err     error
}

func (s *stubAdapter) Channel() ingest.Channel { return s.channel }

func (s *stubAdapter) Parse([]byte) ([]ingest.InboundEvent, error) { return s.events, s.err }

type stubBindings struct {
	err error
}

func (s *stubBindings) FindByProviderKey(context.Context, ingest.Channel, string) (models.ChannelBinding, error) {
	if s.err != nil {
		return models.ChannelBinding{}, s.err
	}
	return models.ChannelBinding{}, ingest.ErrNotFound
}

func (s *stubBindings) SetConnected(context.Context, int64, bool) error { return nil }

func (s *stubBindings) SetQRAsset(context.Context, int64, string) error { return nil }

func newTestServer(bridge, cloud, meta ingest.Adapter, bindings ingest.BindingLookup) *Server {
	if bindings == nil {
		bindings = &stubBindings{}
	}
	service := ingest.NewService(bindings, nil, nil, nil, nil)
	return NewServer(service, bridge, cloud, meta, VerifyTokens{
		Bridge: "bridge-key",
		Cloud:  "cloud-token",
		Meta:   "meta-token",
	}, realtime.NewHub())
}

func noopAdapters() (*stubAdapter, *stubAdapter, *stubAdapter) {
	return &stubAdapter{channel: ingest.ChannelBridge},
		&stubAdapter{channel: ingest.ChannelCloud},
		&stubAdapter{channel: ingest.ChannelMessenger}
}

func TestVerifySubscriptionEchoesChallenge(t *testing.T) {
	b, c, m := noopAdapters()
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/cloud?hub.mode=subscribe&hub.verify_token=cloud-token&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "12345", rr.Body.String())
}

func TestVerifySubscriptionBridge(t *testing.T) {
	b, c, m := noopAdapters()
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/bridge?hub.mode=subscribe&hub.verify_token=bridge-key&hub.challenge=777", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "777", rr.Body.String())

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/bridge?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=777", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestVerifySubscriptionRejectsBadToken(t *testing.T) {
	b, c, m := noopAdapters()
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestReceiveAcknowledgesMalformedPayload(t *testing.T) {
	b, c, m := noopAdapters()
	c.err = errors.New("decode cloud api payload")
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cloud", strings.NewReader("not json"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code, "malformed payloads must not trigger provider retries")
	assert.Equal(t, "EVENT_RECEIVED", rr.Body.String())
}

func TestReceiveDropsUnknownBinding(t *testing.T) {
	b, c, m := noopAdapters()
	c.events = []ingest.InboundEvent{{
		Kind:        ingest.KindMessage,
		Channel:     ingest.ChannelCloud,
		ProviderKey: "unregistered",
		Message:     &ingest.MessageEvent{RemoteID: "wamid.X=", Type: ingest.TypeText, Text: "oi"},
	}}
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cloud", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReceiveReturns500OnStoreOutage(t *testing.T) {
	b, c, m := noopAdapters()
	c.events = []ingest.InboundEvent{{
		Kind:        ingest.KindMessage,
		Channel:     ingest.ChannelCloud,
		ProviderKey: "106540352242922",
		Message:     &ingest.MessageEvent{RemoteID: "wamid.X=", Type: ingest.TypeText, Text: "oi"},
	}}
	router := newTestServer(b, c, m, &stubBindings{err: errors.New("connection refused")}).Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/cloud", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code, "downstream outages must ask the provider to retry")
}

func TestReceiveBridgeChecksAPIKey(t *testing.T) {
	b, c, m := noopAdapters()
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/bridge", strings.NewReader("{}"))
	req.Header.Set("apikey", "wrong")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/bridge", strings.NewReader("{}"))
	req.Header.Set("apikey", "bridge-key")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealth(t *testing.T) {
	b, c, m := noopAdapters()
	router := newTestServer(b, c, m, nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
