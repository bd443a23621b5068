// Package handlers exposes the webhook receivers and the realtime websocket
// endpoint.
package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapcrm/internal/ingest"
	"zapcrm/internal/realtime"
)

// VerifyTokens holds the per-provider webhook verification secrets.
type VerifyTokens struct {
	Bridge string
	Cloud  string
	Meta   string
}

// Server routes provider webhooks to their adapters and hands the canonical
// events to the ingestion service.
type Server struct {
	service  *ingest.Service
	adapters map[string]ingest.Adapter
	tokens   VerifyTokens
	hub      *realtime.Hub
}

func NewServer(service *ingest.Service, bridge, cloud, meta ingest.Adapter, tokens VerifyTokens, hub *realtime.Hub) *Server {
	return &Server{
		service: service,
		adapters: map[string]ingest.Adapter{
			"bridge": bridge,
			"cloud":  cloud,
			"meta":   meta,
		},
		tokens: tokens,
		hub:    hub,
	}
}

// Router builds the mux with the shared middleware chain.
func (s *Server) Router() *mux.Router {
	chain := alice.New(s.logRequest, s.recoverPanic)

	r := mux.NewRouter()
	r.Handle("/health", chain.ThenFunc(s.health)).Methods(http.MethodGet)
	r.Handle("/ws", chain.ThenFunc(s.hub.ServeWS)).Methods(http.MethodGet)

	r.Handle("/webhooks/bridge", chain.ThenFunc(s.verifySubscription(s.tokens.Bridge))).Methods(http.MethodGet)
	r.Handle("/webhooks/bridge", chain.ThenFunc(s.receiveBridge)).Methods(http.MethodPost)
	r.Handle("/webhooks/cloud", chain.ThenFunc(s.verifySubscription(s.tokens.Cloud))).Methods(http.MethodGet)
	r.Handle("/webhooks/cloud", chain.ThenFunc(s.receive("cloud"))).Methods(http.MethodPost)
	r.Handle("/webhooks/meta", chain.ThenFunc(s.verifySubscription(s.tokens.Meta))).Methods(http.MethodGet)
	r.Handle("/webhooks/meta", chain.ThenFunc(s.receive("meta"))).Methods(http.MethodPost)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// verifySubscription answers Meta's GET challenge handshake. A token mismatch
// is a 403, anything else echoes the challenge.
func (s *Server) verifySubscription(token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != token {
			log.Warn().
				Str("mode", q.Get("hub.mode")).
				Str("path", r.URL.Path).
				Msg("Webhook verification failed")
			http.Error(w, "verification failed", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(q.Get("hub.challenge")))
	}
}

// receiveBridge authenticates the bridge by shared api key before ingesting.
func (s *Server) receiveBridge(w http.ResponseWriter, r *http.Request) {
	if s.tokens.Bridge != "" && r.Header.Get("apikey") != s.tokens.Bridge {
		log.Warn().Msg("Bridge webhook with bad api key")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.receive("bridge")(w, r)
}

// receive ingests one webhook delivery. Malformed payloads are acknowledged
// with 200 so the provider stops retrying what will never parse; only a
// downstream outage earns a retryable status.
func (s *Server) receive(name string) http.HandlerFunc {
	adapter := s.adapters[name]
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error().Err(err).Str("adapter", name).Msg("Failed to read webhook body")
			http.Error(w, "read body", http.StatusInternalServerError)
			return
		}

		events, err := adapter.Parse(body)
		if err != nil {
			log.Warn().Err(err).Str("adapter", name).Msg("Unparseable webhook payload, acknowledging anyway")
			writeAccepted(w)
			return
		}

		for _, ev := range events {
			if err := s.service.ProcessEvent(r.Context(), ev); err != nil {
				log.Error().Err(err).
					Str("adapter", name).
					Str("kind", string(ev.Kind)).
					Msg("Event processing failed")
				http.Error(w, "processing failed", http.StatusInternalServerError)
				return
			}
		}
		writeAccepted(w)
	}
}

func writeAccepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
